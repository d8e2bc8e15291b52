package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/broadcast"
	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/direct"
	"github.com/Tyrowin/chatfanout/internal/messagelog"
	"github.com/Tyrowin/chatfanout/internal/presence"
	"github.com/Tyrowin/chatfanout/internal/recovery"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

const departureTimeout = 5 * time.Second

// Service applies session actions: connect, submit, typing, private
// messages and disconnect. It is safe for concurrent use; the read pump of
// each connection serializes the calls for its own session.
type Service struct {
	messages   messagelog.Log
	registry   registry.Registry
	fanout     *broadcast.Engine
	presence   *presence.Engine
	router     *direct.Router
	replayer   *recovery.Replayer
	maxContent int64
	logger     *zap.Logger
}

// NewService wires the session components around the given collaborators.
// Content longer than maxContent bytes is rejected.
func NewService(messages messagelog.Log, reg registry.Registry, fanout *broadcast.Engine, maxContent int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := direct.New(reg, fanout, logger.Named("direct"))
	return &Service{
		messages:   messages,
		registry:   reg,
		fanout:     fanout,
		presence:   presence.New(reg, fanout, router, logger.Named("presence")),
		router:     router,
		replayer:   recovery.New(messages, logger.Named("recovery")),
		maxContent: maxContent,
		logger:     logger,
	}
}

// Connect registers s, announces it and replays the backlog through deliver.
// A session resumed by the transport is still registered and already has its
// backlog, so only the replay bookkeeping runs.
func (s *Service) Connect(ctx context.Context, sess chat.Session, deliver func(chat.Message) error) (int, error) {
	s.join(ctx, sess)
	return s.replay(ctx, sess, deliver)
}

func (s *Service) join(ctx context.Context, sess chat.Session) {
	if sess.TransportRecovered {
		return
	}
	if err := s.registry.Register(ctx, sess); err != nil {
		s.logger.Warn("register session", zap.String("session", sess.ID), zap.Error(err))
	}
	s.presence.OnArrival(ctx, sess)
}

func (s *Service) replay(ctx context.Context, sess chat.Session, deliver func(chat.Message) error) (int, error) {
	return s.replayer.Replay(ctx, sess, deliver)
}

// Disconnect unregisters sess and announces the departure when it was the
// user's last session.
func (s *Service) Disconnect(ctx context.Context, sess chat.Session) {
	if err := s.registry.Unregister(ctx, sess.ID); err != nil {
		s.logger.Warn("unregister session", zap.String("session", sess.ID), zap.Error(err))
	}
	s.presence.OnDeparture(ctx, sess)
}

func (s *Service) departed(sess chat.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), departureTimeout)
	defer cancel()
	s.Disconnect(ctx, sess)
}

// Submit records a message and fans it out. The result tells the client
// whether to consider it delivered, retry with the same key, or give up.
func (s *Service) Submit(ctx context.Context, sess chat.Session, content, idempotencyKey string) chat.Result {
	if idempotencyKey == "" || int64(len(content)) > s.maxContent {
		s.logger.Info("rejected submission",
			zap.String("session", sess.ID), zap.Int("contentBytes", len(content)), zap.Bool("emptyKey", idempotencyKey == ""))
		return chat.Rejected
	}

	id, err := s.messages.Append(ctx, sess.UserName, content, idempotencyKey)
	switch {
	case errors.Is(err, chat.ErrDuplicateSubmission):
		s.logger.Debug("duplicate submission", zap.String("session", sess.ID), zap.String("key", idempotencyKey))
		return chat.Acknowledged
	case err != nil:
		s.logger.Warn("append message", zap.String("session", sess.ID), zap.Error(err))
		return chat.Retry
	}

	msg := chat.Message{ID: id, SenderUserName: sess.UserName, Content: content, IdempotencyKey: idempotencyKey}
	if err := s.fanout.ChatMessage(ctx, msg, sess.ID); err != nil {
		// the message is durable and reaches the others through replay
		s.logger.Warn("broadcast message", zap.Int64("id", id), zap.Error(err))
	}
	return chat.Acknowledged
}

// Typing relays a typing hint to everyone else.
func (s *Service) Typing(ctx context.Context, sess chat.Session, isTyping bool) {
	s.fanout.Ephemeral(ctx, chat.NewUserTypingEvent(sess.UserName, isTyping), sess.ID)
}

// Private routes content to one session of toUserName.
func (s *Service) Private(ctx context.Context, sess chat.Session, toUserName, content string) {
	if toUserName == "" {
		return
	}
	s.router.Route(ctx, sess.UserName, toUserName, content)
}

// Online returns the names of every connected user across all workers.
func (s *Service) Online(ctx context.Context) ([]string, error) {
	return s.presence.Online(ctx)
}
