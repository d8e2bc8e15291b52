// Package messagelog is the durable append-only store of chat messages. It
// assigns monotonic sequence ids and enforces idempotency-key uniqueness.
package messagelog

import (
	"context"
	"iter"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// ErrDuplicateKey is returned by Append when the idempotency key was already
// recorded. No row is created and no new id is assigned.
var ErrDuplicateKey = errors.Wrap(chat.ErrDuplicateSubmission, "idempotency key exists")

// Log is the message log contract used by the submit and recovery paths.
type Log interface {
	// Append atomically records a message and returns its id. It returns
	// ErrDuplicateKey for a known key and an error wrapping
	// chat.ErrStorageUnavailable for any other failure.
	Append(ctx context.Context, senderUserName, content, idempotencyKey string) (int64, error)

	// ReplaySince yields messages with id > lastID in ascending id order.
	// Each call scans again from the given bound. Iteration stops at the
	// first error, which is yielded with a zero Message.
	ReplaySince(ctx context.Context, lastID int64) iter.Seq2[chat.Message, error]
}

// unavailableError matches both chat.ErrStorageUnavailable and the driver
// error that caused it.
type unavailableError struct {
	op    string
	cause error
}

func storageError(err error, op string) error {
	return &unavailableError{op: op, cause: err}
}

func (e *unavailableError) Error() string {
	return e.op + ": " + chat.ErrStorageUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{chat.ErrStorageUnavailable, e.cause}
}
