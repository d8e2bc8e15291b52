package messagelog

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

func collect(t *testing.T, log Log, lastID int64) ([]chat.Message, error) {
	t.Helper()
	var out []chat.Message
	for m, err := range log.ReplaySince(context.Background(), lastID) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

func TestMemoryAppendIdempotent(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	id, err := log.Append(ctx, "A", "hi", "k1")
	if err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id=1, got %d", id)
	}

	for i := 0; i < 3; i++ {
		again, err := log.Append(ctx, "A", "hi", "k1")
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("attempt %d: expected ErrDuplicateKey, got %v", i, err)
		}
		if !errors.Is(err, chat.ErrDuplicateSubmission) {
			t.Fatalf("attempt %d: duplicate should match chat.ErrDuplicateSubmission", i)
		}
		if again != 0 {
			t.Fatalf("attempt %d: duplicate must not produce an id, got %d", i, again)
		}
	}

	if log.Len() != 1 {
		t.Fatalf("expected exactly one row, got %d", log.Len())
	}
}

func TestMemoryAppendMonotonic(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		id, err := log.Append(ctx, "A", fmt.Sprintf("m%d", i), fmt.Sprintf("k%d", i))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestMemoryConcurrentRetriesRecordOnce(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.Append(ctx, "A", "race", "same-key"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful append, got %d", successes)
	}
	if log.Len() != 1 {
		t.Fatalf("expected one row, got %d", log.Len())
	}
}

func TestMemoryAppendFailure(t *testing.T) {
	log := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := log.Append(ctx, "A", "hi", "k1")
	if !errors.Is(err, chat.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause lost from %v", err)
	}
	if errors.Is(err, ErrDuplicateKey) {
		t.Fatal("storage failure must not look like a duplicate")
	}
	if log.Len() != 0 {
		t.Fatalf("failed append must not create a row, got %d", log.Len())
	}
}

func TestMemoryReplaySince(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if _, err := log.Append(ctx, "A", fmt.Sprintf("m%d", i), fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name    string
		lastID  int64
		wantIDs []int64
	}{
		{"from zero", 0, []int64{1, 2, 3, 4, 5}},
		{"from middle", 3, []int64{4, 5}},
		{"caught up", 5, nil},
		{"ahead of log", 42, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collect(t, log, tt.lastID)
			if err != nil {
				t.Fatalf("ReplaySince: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("expected %d messages, got %d", len(tt.wantIDs), len(got))
			}
			for i, m := range got {
				if m.ID != tt.wantIDs[i] {
					t.Errorf("position %d: expected id %d, got %d", i, tt.wantIDs[i], m.ID)
				}
			}
		})
	}
}

func TestMemoryReplayRestartable(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := log.Append(ctx, "A", "m", fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	seq := log.ReplaySince(ctx, 0)
	for range 2 {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			n++
		}
		if n != 3 {
			t.Fatalf("expected 3 messages on each pass, got %d", n)
		}
	}
}

func TestMemoryReplayFailure(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if _, err := log.Append(ctx, "A", "m", fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	replayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var got []chat.Message
	var err error
	for m, iterErr := range log.ReplaySince(replayCtx, 0) {
		if iterErr != nil {
			err = iterErr
			break
		}
		got = append(got, m)
		if len(got) == 2 {
			cancel()
		}
	}
	if !errors.Is(err, chat.ErrStorageUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrStorageUnavailable caused by cancellation, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages before failure, got %d", len(got))
	}
}
