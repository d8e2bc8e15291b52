package messagelog

import (
	"context"
	"iter"
	"sync"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// Memory is an in-process Log for single-worker deployments and tests.
type Memory struct {
	mu       sync.Mutex
	messages []chat.Message
	keys     map[string]int64
	nextID   int64
}

var _ Log = (*Memory)(nil)

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]int64)}
}

// Append records a message unless its key is already known.
func (m *Memory) Append(ctx context.Context, senderUserName, content, idempotencyKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageError(err, "append")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[idempotencyKey]; ok {
		return 0, ErrDuplicateKey
	}

	m.nextID++
	msg := chat.Message{
		ID:             m.nextID,
		SenderUserName: senderUserName,
		Content:        content,
		IdempotencyKey: idempotencyKey,
	}
	m.messages = append(m.messages, msg)
	m.keys[idempotencyKey] = msg.ID
	return msg.ID, nil
}

// ReplaySince yields a snapshot of the messages newer than lastID.
func (m *Memory) ReplaySince(ctx context.Context, lastID int64) iter.Seq2[chat.Message, error] {
	return func(yield func(chat.Message, error) bool) {
		m.mu.Lock()
		snapshot := make([]chat.Message, 0, len(m.messages))
		for _, msg := range m.messages {
			if msg.ID > lastID {
				snapshot = append(snapshot, msg)
			}
		}
		m.mu.Unlock()

		for _, msg := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(chat.Message{}, storageError(err, "replay"))
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Len returns the number of stored messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
