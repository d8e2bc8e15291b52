package server

import (
	"strings"

	"github.com/Tyrowin/chatfanout/internal/bus"
)

// delivery is one encoded frame handed to the hub by the fanout engine. An
// empty target means every local session except exclude.
type delivery struct {
	class   bus.Class
	target  string
	exclude string
	payload []byte
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
