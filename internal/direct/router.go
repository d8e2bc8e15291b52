// Package direct routes private messages to a single session of the
// recipient user.
package direct

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

// Sender delivers an event to one session wherever it is held.
type Sender interface {
	ToSession(ctx context.Context, sessionID string, ev chat.Event) error
}

// Router resolves user names against a fresh registry list on every
// message. The snapshot handed over by presence events is only consulted
// when the registry cannot be reached.
//
// When a user has several sessions only the most recently registered one
// receives the message.
type Router struct {
	registry registry.Registry
	sender   Sender
	logger   *zap.Logger

	mu    sync.RWMutex
	index map[string]string
}

// New creates a router with an empty snapshot.
func New(reg registry.Registry, sender Sender, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: reg,
		sender:   sender,
		logger:   logger,
		index:    make(map[string]string),
	}
}

// Refresh replaces the snapshot with one built from sessions, which must be
// in registration order.
func (r *Router) Refresh(sessions []chat.Session) {
	index := chat.UserSessionIndex(sessions)
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
}

// Route delivers content from one user to another. Unknown recipients and
// delivery failures are logged and dropped; the sender is never told.
func (r *Router) Route(ctx context.Context, fromUserName, toUserName, content string) {
	sessionID, ok := r.resolve(ctx, toUserName)
	if !ok {
		r.logger.Debug("dropping private message",
			zap.String("from", fromUserName), zap.String("to", toUserName), zap.Error(chat.ErrRecipientUnresolved))
		return
	}

	ev := chat.NewPrivateMessageEvent(fromUserName, content)
	if err := r.sender.ToSession(ctx, sessionID, ev); err != nil {
		r.logger.Warn("deliver private message",
			zap.String("to", toUserName), zap.String("session", sessionID), zap.Error(err))
	}
}

// resolve walks a fresh session list newest first. Sessions come and go on
// other workers without this one hearing about it, so a snapshot hit alone
// is never trusted while the registry answers.
func (r *Router) resolve(ctx context.Context, userName string) (string, bool) {
	sessions, err := r.registry.ListAll(ctx)
	if err != nil {
		r.logger.Warn("list sessions for private message; using presence snapshot",
			zap.String("to", userName), zap.Error(err))
		return r.lookup(userName)
	}
	r.Refresh(sessions)
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].UserName == userName {
			return sessions[i].ID, true
		}
	}
	return "", false
}

func (r *Router) lookup(userName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[userName]
	return id, ok
}
