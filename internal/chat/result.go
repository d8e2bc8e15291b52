package chat

// Result is the outcome of a message submission.
type Result int

const (
	// Acknowledged means the message is durably recorded, either by this
	// submission or by an earlier one carrying the same idempotency key.
	Acknowledged Result = iota
	// Retry means the message was not recorded. The client should resubmit
	// with the same idempotency key.
	Retry
	// Rejected means the submission was malformed and was dropped without
	// any state change.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Acknowledged:
		return "acknowledged"
	case Retry:
		return "retry"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
