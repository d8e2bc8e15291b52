package bus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// dialTestNATS connects to CHATFANOUT_TEST_NATS_URL and skips when unset.
func dialTestNATS(t *testing.T, jetStream bool) *NATS {
	t.Helper()
	url := os.Getenv("CHATFANOUT_TEST_NATS_URL")
	if url == "" {
		t.Skip("CHATFANOUT_TEST_NATS_URL not set")
	}
	b, err := DialNATS(NATSConfig{
		URL:       url,
		Name:      "chatfanout-test",
		Prefix:    "chatfanouttest" + uuid.NewString()[:8],
		JetStream: jetStream,
	}, nil)
	if err != nil {
		t.Fatalf("DialNATS: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSRoundTrip(t *testing.T) {
	for _, js := range []bool{false, true} {
		name := "core"
		if js {
			name = "jetstream"
		}
		t.Run(name, func(t *testing.T) {
			b := dialTestNATS(t, js)

			var mu sync.Mutex
			received := make(map[Class]Envelope)
			done := make(chan struct{}, 2)
			if err := b.Subscribe(func(_ context.Context, env Envelope) {
				mu.Lock()
				received[env.Class] = env
				mu.Unlock()
				done <- struct{}{}
			}); err != nil {
				t.Fatalf("Subscribe: %v", err)
			}

			ctx := context.Background()
			durable := Envelope{ID: uuid.NewString(), Origin: "n1", Class: Durable,
				Event: chat.NewChatMessageEvent(chat.Message{ID: 1, SenderUserName: "A", Content: "hi"})}
			ephemeral := Envelope{ID: uuid.NewString(), Origin: "n1", Class: Ephemeral,
				Event: chat.NewUserTypingEvent("A", true)}
			if err := b.Publish(ctx, durable); err != nil {
				t.Fatalf("Publish durable: %v", err)
			}
			if err := b.Publish(ctx, ephemeral); err != nil {
				t.Fatalf("Publish ephemeral: %v", err)
			}

			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-time.After(3 * time.Second):
					t.Fatal("timed out waiting for envelopes")
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if received[Durable].ID != durable.ID {
				t.Errorf("durable envelope mismatch: %+v", received[Durable])
			}
			if received[Ephemeral].Event.Type != chat.EventUserTyping {
				t.Errorf("ephemeral envelope mismatch: %+v", received[Ephemeral])
			}
		})
	}
}
