// Package registry tracks live sessions across every cooperating worker
// process. Derived views such as the online set are always computed from a
// fresh ListAll call and never cached.
package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// Registry is the session membership contract.
type Registry interface {
	Register(ctx context.Context, s chat.Session) error
	Unregister(ctx context.Context, sessionID string) error
	// ListAll returns every live session of every worker, oldest
	// registration first.
	ListAll(ctx context.Context) ([]chat.Session, error)
}

func sortByRegistration(sessions []chat.Session) {
	slices.SortStableFunc(sessions, func(a, b chat.Session) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// clock hands out strictly increasing registration times so that ordering
// by RegisteredAt matches registration order within one worker.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
