package presence

import (
	"context"
	"slices"
	"testing"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

type published struct {
	typ     chat.EventType
	payload chat.PresencePayload
	exclude string
}

type recordingPublisher struct {
	events []published
	err    error
}

func (r *recordingPublisher) Durable(_ context.Context, ev chat.Event, exclude string) error {
	if r.err != nil {
		return r.err
	}
	var p chat.PresencePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	r.events = append(r.events, published{typ: ev.Type, payload: p, exclude: exclude})
	return nil
}

type recordingIndex struct {
	refreshes [][]chat.Session
}

func (r *recordingIndex) Refresh(sessions []chat.Session) {
	r.refreshes = append(r.refreshes, sessions)
}

func setup() (*registry.Memory, *recordingPublisher, *recordingIndex, *Engine) {
	reg := registry.NewMemory("node-1")
	pub := &recordingPublisher{}
	idx := &recordingIndex{}
	return reg, pub, idx, New(reg, pub, idx, nil)
}

func TestArrivalAnnouncesToEveryone(t *testing.T) {
	reg, pub, idx, e := setup()
	ctx := context.Background()

	_ = reg.Register(ctx, chat.Session{ID: "s1", UserName: "bob"})
	_ = reg.Register(ctx, chat.Session{ID: "s2", UserName: "alice"})
	e.OnArrival(ctx, chat.Session{ID: "s2", UserName: "alice"})

	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	got := pub.events[0]
	if got.typ != chat.EventUserConnected || got.exclude != "" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.payload.UserName != "alice" || !slices.Equal(got.payload.OnlineUserNames, []string{"alice", "bob"}) {
		t.Errorf("unexpected payload %+v", got.payload)
	}
	if len(idx.refreshes) != 1 || len(idx.refreshes[0]) != 2 {
		t.Errorf("expected index refresh with both sessions, got %v", idx.refreshes)
	}
}

func TestArrivalSkippedForRecoveredSession(t *testing.T) {
	reg, pub, _, e := setup()
	ctx := context.Background()

	s := chat.Session{ID: "s1", UserName: "bob", TransportRecovered: true}
	_ = reg.Register(ctx, s)
	e.OnArrival(ctx, s)

	if len(pub.events) != 0 {
		t.Fatalf("expected no announcement, got %+v", pub.events)
	}
}

func TestDepartureWaitsForLastSession(t *testing.T) {
	reg, pub, _, e := setup()
	ctx := context.Background()

	first := chat.Session{ID: "s1", UserName: "dana"}
	second := chat.Session{ID: "s2", UserName: "dana"}
	_ = reg.Register(ctx, first)
	_ = reg.Register(ctx, second)

	_ = reg.Unregister(ctx, first.ID)
	e.OnDeparture(ctx, first)
	if len(pub.events) != 0 {
		t.Fatalf("user still online, expected no event, got %+v", pub.events)
	}

	_ = reg.Unregister(ctx, second.ID)
	e.OnDeparture(ctx, second)
	if len(pub.events) != 1 || pub.events[0].typ != chat.EventUserDisconnected {
		t.Fatalf("expected one departure, got %+v", pub.events)
	}
	if p := pub.events[0].payload; p.UserName != "dana" || p.OnlineUserNames == nil || len(p.OnlineUserNames) != 0 {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestRosterMatchesRegistry(t *testing.T) {
	reg, pub, _, e := setup()
	ctx := context.Background()

	users := []string{"carol", "alice", "bob", "alice"}
	for i, u := range users {
		s := chat.Session{ID: string(rune('a' + i)), UserName: u}
		_ = reg.Register(ctx, s)
		e.OnArrival(ctx, s)

		sessions, _ := reg.ListAll(ctx)
		want := chat.OnlineUserNames(sessions)
		got := pub.events[len(pub.events)-1].payload.OnlineUserNames
		if !slices.Equal(got, want) {
			t.Fatalf("after %s: roster %v, want %v", u, got, want)
		}
	}

	online, err := e.Online(ctx)
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if !slices.Equal(online, []string{"alice", "bob", "carol"}) {
		t.Errorf("Online = %v", online)
	}
}

// downRegistry is a registry whose ListAll always fails.
type downRegistry struct {
	registry.Registry
}

func (downRegistry) ListAll(context.Context) ([]chat.Session, error) {
	return nil, errors.New("registry unreachable")
}

func TestRegistryFailureIsSwallowed(t *testing.T) {
	pub := &recordingPublisher{}
	idx := &recordingIndex{}
	e := New(downRegistry{Registry: registry.NewMemory("node-1")}, pub, idx, nil)

	e.OnArrival(context.Background(), chat.Session{ID: "s1", UserName: "bob"})
	e.OnDeparture(context.Background(), chat.Session{ID: "s1", UserName: "bob"})

	if len(pub.events) != 0 || len(idx.refreshes) != 0 {
		t.Fatalf("expected nothing published, got %+v", pub.events)
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	reg, pub, _, e := setup()
	pub.err = errors.New("bus down")
	s := chat.Session{ID: "s1", UserName: "bob"}
	_ = reg.Register(context.Background(), s)

	e.OnArrival(context.Background(), s)
}
