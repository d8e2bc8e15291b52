package direct

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

type sent struct {
	session string
	payload chat.PrivateMessagePayload
}

// unreachableRegistry is a registry whose ListAll fails while err is set.
type unreachableRegistry struct {
	registry.Registry
	err error
}

func (u *unreachableRegistry) ListAll(ctx context.Context) ([]chat.Session, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.Registry.ListAll(ctx)
}

type recordingSender struct {
	sent []sent
	err  error
}

func (r *recordingSender) ToSession(_ context.Context, sessionID string, ev chat.Event) error {
	if r.err != nil {
		return r.err
	}
	var p chat.PrivateMessagePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	r.sent = append(r.sent, sent{session: sessionID, payload: p})
	return nil
}

func TestRouteReachesExactlyOneSession(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory("node-1")
	_ = reg.Register(ctx, chat.Session{ID: "c1", UserName: "C"})
	_ = reg.Register(ctx, chat.Session{ID: "d1", UserName: "D"})
	_ = reg.Register(ctx, chat.Session{ID: "d2", UserName: "D"})

	tests := []struct {
		name     string
		snapshot []chat.Session
	}{
		{name: "empty snapshot"},
		{name: "snapshot pointing at older session", snapshot: []chat.Session{{ID: "d1", UserName: "D"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			r := New(reg, sender, nil)
			r.Refresh(tt.snapshot)

			r.Route(ctx, "C", "D", "hello")

			if len(sender.sent) != 1 {
				t.Fatalf("expected exactly one delivery, got %d", len(sender.sent))
			}
			got := sender.sent[0]
			if got.session != "d2" {
				t.Errorf("delivered to %s, want the newest session d2", got.session)
			}
			if got.payload.FromUserName != "C" || got.payload.Content != "hello" {
				t.Errorf("unexpected payload %+v", got.payload)
			}
		})
	}
}

// TestRouteIgnoresStaleSnapshot covers a recipient that reconnected on
// another worker: the snapshot still names the dead session.
func TestRouteIgnoresStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory("node-1")
	sender := &recordingSender{}
	r := New(reg, sender, nil)

	r.Refresh([]chat.Session{{ID: "d-old", UserName: "D"}})
	_ = reg.Register(ctx, chat.Session{ID: "d-new", UserName: "D", Node: "node-2"})

	r.Route(ctx, "C", "D", "are you there")
	if len(sender.sent) != 1 || sender.sent[0].session != "d-new" {
		t.Fatalf("expected delivery to d-new, got %+v", sender.sent)
	}
}

func TestRouteUsesSnapshotWhenRegistryIsDown(t *testing.T) {
	ctx := context.Background()
	reg := &unreachableRegistry{Registry: registry.NewMemory("node-1")}
	sender := &recordingSender{}
	r := New(reg, sender, nil)

	_ = reg.Register(ctx, chat.Session{ID: "e1", UserName: "E"})
	r.Route(ctx, "C", "E", "first")

	reg.err = errors.New("registry unreachable")
	r.Route(ctx, "C", "E", "again")
	if len(sender.sent) != 2 || sender.sent[1].session != "e1" {
		t.Fatalf("expected the snapshot to resolve e1, got %+v", sender.sent)
	}
}

func TestRouteDropsUnknownRecipient(t *testing.T) {
	ctx := context.Background()
	reg := &unreachableRegistry{Registry: registry.NewMemory("node-1")}
	sender := &recordingSender{}
	r := New(reg, sender, nil)

	r.Route(ctx, "C", "nobody", "hello?")
	if len(sender.sent) != 0 {
		t.Fatalf("expected silent drop, got %+v", sender.sent)
	}

	reg.err = errors.New("registry unreachable")
	r.Route(ctx, "C", "nobody", "hello?")
	if len(sender.sent) != 0 {
		t.Fatalf("expected silent drop, got %+v", sender.sent)
	}
}

func TestRouteSwallowsDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory("node-1")
	_ = reg.Register(ctx, chat.Session{ID: "d1", UserName: "D"})
	sender := &recordingSender{err: errors.New("bus down")}

	New(reg, sender, nil).Route(ctx, "C", "D", "hello")
	if len(sender.sent) != 0 {
		t.Fatalf("unexpected deliveries %+v", sender.sent)
	}
}
