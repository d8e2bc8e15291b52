// Package presence announces user arrivals and departures with the current
// online roster.
package presence

import (
	"context"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

// Publisher sends a durable event to every session except exclude.
type Publisher interface {
	Durable(ctx context.Context, ev chat.Event, exclude string) error
}

// IndexSink receives every session list the engine computes.
type IndexSink interface {
	Refresh(sessions []chat.Session)
}

// Engine derives presence from the registry on every event.
type Engine struct {
	registry registry.Registry
	pub      Publisher
	index    IndexSink
	logger   *zap.Logger
}

// New creates a presence engine. index may be nil.
func New(reg registry.Registry, pub Publisher, index IndexSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: reg, pub: pub, index: index, logger: logger}
}

// OnArrival announces s to every session, itself included. Sessions resumed
// by the transport were never announced as gone and are skipped.
func (e *Engine) OnArrival(ctx context.Context, s chat.Session) {
	if s.TransportRecovered {
		return
	}
	sessions, ok := e.list(ctx, s)
	if !ok {
		return
	}
	ev := chat.NewUserConnectedEvent(s.UserName, chat.OnlineUserNames(sessions))
	if err := e.pub.Durable(ctx, ev, ""); err != nil {
		e.logger.Warn("announce arrival", zap.String("session", s.ID), zap.Error(err))
	}
}

// OnDeparture announces that s.UserName went offline, unless another session
// of the same user is still live. The session must already be unregistered.
func (e *Engine) OnDeparture(ctx context.Context, s chat.Session) {
	sessions, ok := e.list(ctx, s)
	if !ok {
		return
	}
	if chat.HasUser(sessions, s.UserName) {
		return
	}
	ev := chat.NewUserDisconnectedEvent(s.UserName, chat.OnlineUserNames(sessions))
	if err := e.pub.Durable(ctx, ev, ""); err != nil {
		e.logger.Warn("announce departure", zap.String("session", s.ID), zap.Error(err))
	}
}

// Online returns the sorted distinct user names currently connected.
func (e *Engine) Online(ctx context.Context) ([]string, error) {
	sessions, err := e.registry.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	e.refresh(sessions)
	return chat.OnlineUserNames(sessions), nil
}

func (e *Engine) list(ctx context.Context, s chat.Session) ([]chat.Session, bool) {
	sessions, err := e.registry.ListAll(ctx)
	if err != nil {
		e.logger.Warn("list sessions for presence",
			zap.String("session", s.ID), zap.String("user", s.UserName), zap.Error(err))
		return nil, false
	}
	e.refresh(sessions)
	return sessions, true
}

func (e *Engine) refresh(sessions []chat.Session) {
	if e.index != nil {
		e.index.Refresh(sessions)
	}
}
