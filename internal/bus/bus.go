// Package bus carries fanout envelopes between worker processes. Every worker
// subscribes to every envelope and delivers it to the sessions it holds.
package bus

import (
	"context"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// Class is the delivery class of an envelope.
type Class string

const (
	// Durable envelopes are delivered reliably to every worker.
	Durable Class = "durable"
	// Ephemeral envelopes are best-effort and may be dropped.
	Ephemeral Class = "ephemeral"
)

// Envelope is one fanout unit. An empty Target means every session; a
// non-empty Exclude names the session that must not receive it.
type Envelope struct {
	ID      string     `json:"id"`
	Origin  string     `json:"origin"`
	Class   Class      `json:"class"`
	Target  string     `json:"target,omitempty"`
	Exclude string     `json:"exclude,omitempty"`
	Event   chat.Event `json:"event"`
}

// Handler receives envelopes from the bus.
type Handler func(ctx context.Context, env Envelope)

// Bus is the pub/sub contract between workers.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(h Handler) error
	Close() error
}
