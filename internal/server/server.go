package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/broadcast"
	"github.com/Tyrowin/chatfanout/internal/bus"
	"github.com/Tyrowin/chatfanout/internal/config"
	"github.com/Tyrowin/chatfanout/internal/messagelog"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

// Deps are the shared collaborators of a worker.
type Deps struct {
	Messages messagelog.Log
	Registry registry.Registry
	Bus      bus.Bus
}

// Server is one worker: the HTTP endpoints, the local hub and the session
// service on top of the shared collaborators.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	hub      *Hub
	service  *Service
	upgrader websocket.Upgrader
	router   *gin.Engine
	http     *http.Server
}

// New wires a worker. The hub is not running until Start or Run is called.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Messages == nil || deps.Registry == nil || deps.Bus == nil {
		return nil, errors.New("server: message log, registry and bus are required")
	}
	cfg = config.Sanitize(cfg)

	fanout := broadcast.New(deps.Bus, cfg.NodeID, logger.Named("broadcast"))
	svc := NewService(deps.Messages, deps.Registry, fanout, cfg.MaxMessageSize, logger.Named("service"))

	var ret *retention
	if cfg.RecoveryWindow > 0 {
		ret = newRetention(cfg.RecoveryWindow, cfg.RecoveryBuffer)
	}
	hub := NewHub(ret, svc.departed, logger.Named("hub"))
	if err := fanout.Attach(hub); err != nil {
		return nil, err
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger.Named("origin"))
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
	s.router = s.routes()
	s.http = CreateServer(cfg.Port, s.router)
	return s, nil
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler returns the HTTP handler of the worker.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the local hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start launches the hub loop.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info("hub started", zap.String("node", s.cfg.NodeID))
}

// Run starts the hub and serves HTTP until ctx is cancelled, then shuts both
// down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	s.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http server")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = s.hub.Shutdown(timeout)
			return err
		}
	case <-ctx.Done():
	}
	return s.Shutdown(timeout)
}

// Shutdown stops accepting connections, then closes the local sessions.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.logger.Warn("http server shutdown", zap.Error(httpErr))
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		return err
	}
	return httpErr
}
