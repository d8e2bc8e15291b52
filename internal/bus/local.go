package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Local is an in-process Bus. Publish delivers synchronously to every
// subscriber, which makes it suitable for a single worker and for tests.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

var _ Bus = (*Local)(nil)

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{}
}

// Publish hands env to each subscriber in subscription order.
func (l *Local) Publish(ctx context.Context, env Envelope) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, env)
	}
	return nil
}

// Subscribe registers h for all future envelopes.
func (l *Local) Subscribe(h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.handlers = append(l.handlers, h)
	return nil
}

// Close stops delivery.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = nil
	return nil
}
