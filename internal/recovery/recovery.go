// Package recovery replays the messages a reconnecting client missed.
package recovery

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/messagelog"
)

// Replayer streams the message log to a single session.
type Replayer struct {
	log    messagelog.Log
	logger *zap.Logger
}

// New creates a replayer reading from log.
func New(log messagelog.Log, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{log: log, logger: logger}
}

// Replay delivers every message newer than s.LastKnownMessageID in ascending
// id order and returns how many were delivered. Sessions resumed by the
// transport already hold their backlog and get nothing.
//
// A storage or delivery failure stops the replay. The returned error wraps
// chat.ErrReplayInterrupted; the client may reconnect with its highest id to
// continue.
func (r *Replayer) Replay(ctx context.Context, s chat.Session, deliver func(chat.Message) error) (int, error) {
	if s.TransportRecovered {
		return 0, nil
	}

	delivered := 0
	for m, err := range r.log.ReplaySince(ctx, s.LastKnownMessageID) {
		if err == nil {
			err = deliver(m)
		}
		if err != nil {
			r.logger.Warn("replay interrupted",
				zap.String("session", s.ID),
				zap.Int64("since", s.LastKnownMessageID),
				zap.Int("delivered", delivered),
				zap.Error(err))
			return delivered, errors.Wrapf(chat.ErrReplayInterrupted, "after %d messages: %v", delivered, err)
		}
		delivered++
	}

	if delivered > 0 {
		r.logger.Debug("replayed backlog", zap.String("session", s.ID), zap.Int("count", delivered))
	}
	return delivered, nil
}
