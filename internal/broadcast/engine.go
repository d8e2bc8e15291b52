// Package broadcast publishes events to every session of every worker through
// the bus and hands envelopes arriving from the bus to the local transport.
package broadcast

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/bus"
	"github.com/Tyrowin/chatfanout/internal/chat"
)

// Deliverer hands encoded events to sessions held by this worker.
type Deliverer interface {
	// DeliverAll sends payload to every local session except exclude.
	DeliverAll(class bus.Class, payload []byte, exclude string)
	// DeliverTo sends payload to one local session and reports whether the
	// session is held here.
	DeliverTo(class bus.Class, sessionID string, payload []byte) bool
}

// Engine is the fanout entry point for every component that emits events.
type Engine struct {
	bus    bus.Bus
	node   string
	logger *zap.Logger

	mu    sync.RWMutex
	local Deliverer
}

// New creates an engine publishing as node.
func New(b bus.Bus, node string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{bus: b, node: node, logger: logger}
}

// Attach connects the local transport and subscribes to the bus. Envelopes
// start flowing to d once Attach returns.
func (e *Engine) Attach(d Deliverer) error {
	e.mu.Lock()
	e.local = d
	e.mu.Unlock()

	if err := e.bus.Subscribe(e.Dispatch); err != nil {
		return errors.Wrap(err, "subscribe to bus")
	}
	return nil
}

// ChatMessage broadcasts a persisted message to every session except the
// sender's. The envelope id is derived from the message id so the bus can
// collapse repeated publishes of the same message.
func (e *Engine) ChatMessage(ctx context.Context, m chat.Message, exclude string) error {
	return e.publish(ctx, bus.Envelope{
		ID:      "message-" + strconv.FormatInt(m.ID, 10),
		Class:   bus.Durable,
		Exclude: exclude,
		Event:   chat.NewChatMessageEvent(m),
	})
}

// Durable broadcasts ev reliably to every session except exclude.
func (e *Engine) Durable(ctx context.Context, ev chat.Event, exclude string) error {
	return e.publish(ctx, bus.Envelope{
		ID:      uuid.NewString(),
		Class:   bus.Durable,
		Exclude: exclude,
		Event:   ev,
	})
}

// Ephemeral broadcasts ev on a best-effort basis. Failures are logged and
// otherwise ignored.
func (e *Engine) Ephemeral(ctx context.Context, ev chat.Event, exclude string) {
	err := e.publish(ctx, bus.Envelope{
		ID:      uuid.NewString(),
		Class:   bus.Ephemeral,
		Exclude: exclude,
		Event:   ev,
	})
	if err != nil {
		e.logger.Debug("dropped ephemeral event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// ToSession delivers ev to a single session wherever it is held.
func (e *Engine) ToSession(ctx context.Context, sessionID string, ev chat.Event) error {
	return e.publish(ctx, bus.Envelope{
		ID:     uuid.NewString(),
		Class:  bus.Durable,
		Target: sessionID,
		Event:  ev,
	})
}

func (e *Engine) publish(ctx context.Context, env bus.Envelope) error {
	env.Origin = e.node
	if err := e.bus.Publish(ctx, env); err != nil {
		return errors.Wrapf(err, "publish %s", env.Event.Type)
	}
	return nil
}

// Dispatch is the bus handler. It encodes the event once and hands it to the
// local transport.
func (e *Engine) Dispatch(_ context.Context, env bus.Envelope) {
	e.mu.RLock()
	local := e.local
	e.mu.RUnlock()
	if local == nil {
		return
	}

	payload, err := env.Event.Encode()
	if err != nil {
		e.logger.Warn("dropping unencodable event", zap.String("envelope", env.ID), zap.Error(err))
		return
	}

	if env.Target != "" {
		local.DeliverTo(env.Class, env.Target, payload)
		return
	}
	local.DeliverAll(env.Class, payload, env.Exclude)
}
