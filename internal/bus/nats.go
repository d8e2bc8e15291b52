package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS bus.
type NATSConfig struct {
	URL  string
	Name string
	// Prefix is the root of every subject, e.g. "chatfanout".
	Prefix string
	// JetStream routes durable envelopes through a stream with acknowledged,
	// deduplicated delivery. Without it durable envelopes use core NATS.
	JetStream     bool
	StreamMaxAge  time.Duration
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATS is a Bus over a NATS server. Ephemeral envelopes always use core
// publish; durable ones use JetStream when enabled.
type NATS struct {
	cfg    NATSConfig
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ Bus = (*NATS)(nil)

// DialNATS connects to the server and, when JetStream is enabled, makes sure
// the durable stream exists.
func DialNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chatfanout"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.StreamMaxAge == 0 {
		cfg.StreamMaxAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}

	b := &NATS{cfg: cfg, nc: nc, logger: logger}
	if cfg.JetStream {
		if err := b.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *NATS) streamName() string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(b.cfg.Prefix)) + "_DURABLE"
}

func (b *NATS) durableSubject() string { return b.cfg.Prefix + ".durable.events" }
func (b *NATS) ephemeralSubject() string { return b.cfg.Prefix + ".ephemeral.events" }

func (b *NATS) ensureStream() error {
	js, err := b.nc.JetStream(nats.PublishAsyncMaxPending(4096))
	if err != nil {
		return errors.Wrap(err, "init jetstream")
	}
	b.js = js

	_, err = js.StreamInfo(b.streamName())
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrap(err, "stream info")
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       b.streamName(),
		Subjects:   []string{b.cfg.Prefix + ".durable.>"},
		Storage:    nats.MemoryStorage,
		MaxAge:     b.cfg.StreamMaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return errors.Wrap(err, "add stream")
	}
	return nil
}

// Publish encodes env and sends it on the subject for its class.
func (b *NATS) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	subject := b.ephemeralSubject()
	if env.Class == Durable {
		subject = b.durableSubject()
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if env.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, env.ID)
	}

	if env.Class == Durable && b.js != nil {
		if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return errors.Wrap(err, "jetstream publish")
		}
		return nil
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

// Subscribe receives both classes. Each worker gets its own JetStream
// consumer that starts at new messages, so every worker sees every durable
// envelope published after it started.
func (b *NATS) Subscribe(h Handler) error {
	ephemeral, err := b.nc.Subscribe(b.ephemeralSubject(), func(m *nats.Msg) {
		if env, ok := b.decode(m); ok {
			h(context.Background(), env)
		}
	})
	if err != nil {
		return errors.Wrap(err, "subscribe ephemeral")
	}

	var durable *nats.Subscription
	if b.js != nil {
		durable, err = b.js.Subscribe(b.durableSubject(), func(m *nats.Msg) {
			env, ok := b.decode(m)
			if !ok {
				_ = m.Term()
				return
			}
			h(context.Background(), env)
			if err := m.Ack(); err != nil {
				b.logger.Warn("failed to ack durable envelope", zap.String("envelope", env.ID), zap.Error(err))
			}
		}, nats.DeliverNew(), nats.ManualAck(), nats.AckExplicit())
	} else {
		durable, err = b.nc.Subscribe(b.durableSubject(), func(m *nats.Msg) {
			if env, ok := b.decode(m); ok {
				h(context.Background(), env)
			}
		})
	}
	if err != nil {
		_ = ephemeral.Unsubscribe()
		return errors.Wrap(err, "subscribe durable")
	}

	b.mu.Lock()
	b.subs = append(b.subs, ephemeral, durable)
	b.mu.Unlock()
	return nil
}

func (b *NATS) decode(m *nats.Msg) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		b.logger.Warn("dropping undecodable envelope", zap.String("subject", m.Subject), zap.Error(err))
		return Envelope{}, false
	}
	return env, true
}

// Close drains subscriptions and the connection.
func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return b.nc.Drain()
}
