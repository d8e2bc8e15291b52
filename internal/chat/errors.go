package chat

import "github.com/pkg/errors"

var (
	// ErrDuplicateSubmission signals that an idempotency key was already
	// recorded. Callers treat it as success.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrStorageUnavailable wraps any message log failure other than a
	// duplicate key.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRecipientUnresolved is reported when a private message target has
	// no live session.
	ErrRecipientUnresolved = errors.New("recipient unresolved")

	// ErrReplayInterrupted is returned when recovery stops before the end of
	// the backlog.
	ErrReplayInterrupted = errors.New("replay interrupted")

	// ErrMalformedInput is returned for frames that cannot be applied.
	ErrMalformedInput = errors.New("malformed input")
)
