package chat

import (
	"slices"
	"time"
)

// Message is a persisted chat message. ID is assigned by the message log on
// the first successful insert and defines the global order of all messages.
type Message struct {
	ID             int64  `json:"id"`
	SenderUserName string `json:"senderUserName,omitempty"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Session describes one live client connection. Sessions are never persisted;
// the registry keeps them only while the connection is open.
type Session struct {
	ID                 string    `json:"sessionId"`
	UserName           string    `json:"userName"`
	LastKnownMessageID int64     `json:"lastKnownMessageId"`
	TransportRecovered bool      `json:"recovered"`
	Node               string    `json:"node,omitempty"`
	RegisteredAt       time.Time `json:"registeredAt"`
}

// OnlineUserNames returns the sorted distinct user names across sessions.
func OnlineUserNames(sessions []Session) []string {
	seen := make(map[string]struct{}, len(sessions))
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if _, ok := seen[s.UserName]; ok {
			continue
		}
		seen[s.UserName] = struct{}{}
		names = append(names, s.UserName)
	}
	slices.Sort(names)
	return names
}

// UserSessionIndex maps each user name to a single session id. Sessions are
// applied in the given order, so when several sessions share a user name the
// last one wins.
func UserSessionIndex(sessions []Session) map[string]string {
	index := make(map[string]string, len(sessions))
	for _, s := range sessions {
		index[s.UserName] = s.ID
	}
	return index
}

// HasUser reports whether any session belongs to userName.
func HasUser(sessions []Session, userName string) bool {
	return slices.ContainsFunc(sessions, func(s Session) bool {
		return s.UserName == userName
	})
}
