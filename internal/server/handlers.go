package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// handshake is the connect request carried in the /ws query string.
type handshake struct {
	UserName           string
	LastKnownMessageID int64
	SessionID          string
}

func parseHandshake(c *gin.Context) (handshake, error) {
	h := handshake{
		UserName:  strings.TrimSpace(c.Query("userName")),
		SessionID: strings.TrimSpace(c.Query("sessionId")),
	}
	if h.UserName == "" {
		return handshake{}, errors.Wrap(chat.ErrMalformedInput, "userName is required")
	}
	if raw := c.Query("lastKnownMessageId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return handshake{}, errors.Wrapf(chat.ErrMalformedInput, "lastKnownMessageId %q", raw)
		}
		h.LastKnownMessageID = id
	}
	return h, nil
}

// webSocketHandler upgrades the connection, binds it to a new or resumed
// session and runs the connect flow: presence arrival and backlog replay.
func (s *Server) webSocketHandler(c *gin.Context) {
	hs, err := parseHandshake(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	session := chat.Session{
		ID:                 uuid.NewString(),
		UserName:           hs.UserName,
		LastKnownMessageID: hs.LastKnownMessageID,
		Node:               s.cfg.NodeID,
	}
	client := NewClient(conn, s.hub, s.service, session, hs.SessionID, c.Request.RemoteAddr, s.cfg, s.logger.Named("client"))

	if !s.hub.Attach(client) {
		_ = conn.Close()
		return
	}

	ctx := s.hub.Context()
	session = client.Session()
	s.service.join(ctx, session)
	client.markJoined()

	n, err := s.service.replay(ctx, session, client.DeliverMessage)
	if err != nil {
		return
	}
	if n > 0 {
		s.logger.Debug("connect replay finished", zap.String("session", session.ID), zap.Int("messages", n))
	}
}

// healthHandler reports liveness and the users online across all workers.
func (s *Server) healthHandler(c *gin.Context) {
	online, err := s.service.Online(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "node": s.cfg.NodeID, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"node":            s.cfg.NodeID,
		"localSessions":   s.hub.ClientCount(),
		"onlineUserNames": online,
	})
}

func indexHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
}
