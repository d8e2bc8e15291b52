package chat

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// EventType names a frame exchanged over the client connection.
type EventType string

const (
	EventSession          EventType = "session"
	EventAck              EventType = "ack"
	EventSubmitMessage    EventType = "submit-message"
	EventChatMessage      EventType = "chat-message"
	EventUserConnected    EventType = "user-connected"
	EventUserDisconnected EventType = "user-disconnected"
	EventUserTyping       EventType = "user-typing"
	EventPrivateMessage   EventType = "private-message"
)

// Event is the wire frame for both directions: a type tag and a payload
// whose shape depends on the type.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionPayload tells a client which session id to present when resuming.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	Recovered bool   `json:"recovered"`
}

// AckPayload confirms that a submission is durably recorded.
type AckPayload struct {
	AckID int64 `json:"ackId"`
}

// ChatMessagePayload carries a persisted message to clients.
type ChatMessagePayload struct {
	SenderUserName string `json:"senderUserName"`
	Content        string `json:"content"`
	ID             int64  `json:"id"`
}

// PresencePayload announces an arrival or departure with the online roster.
type PresencePayload struct {
	UserName        string   `json:"userName"`
	OnlineUserNames []string `json:"onlineUserNames"`
}

// TypingPayload is the ephemeral typing hint. UserName is filled in by the
// server on the way out.
type TypingPayload struct {
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// PrivateMessagePayload is used inbound with ToUserName and outbound with
// FromUserName.
type PrivateMessagePayload struct {
	FromUserName string `json:"fromUserName,omitempty"`
	ToUserName   string `json:"toUserName,omitempty"`
	Content      string `json:"content"`
}

// SubmitPayload is the raw submit-message frame. Content and key stay raw so
// that non-string values can be rejected instead of coerced.
type SubmitPayload struct {
	Content        json.RawMessage `json:"content"`
	IdempotencyKey json.RawMessage `json:"idempotencyKey"`
	AckID          int64           `json:"ackId"`
}

// Submission is a validated submit-message frame.
type Submission struct {
	Content        string
	IdempotencyKey string
	AckID          int64
}

func newEvent(t EventType, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		// payload types are plain structs and always marshal
		panic(err)
	}
	return Event{Type: t, Data: data}
}

// NewSessionEvent builds the session frame sent first on every connection.
func NewSessionEvent(sessionID string, recovered bool) Event {
	return newEvent(EventSession, SessionPayload{SessionID: sessionID, Recovered: recovered})
}

// NewAckEvent builds the acknowledgement for a submission.
func NewAckEvent(ackID int64) Event {
	return newEvent(EventAck, AckPayload{AckID: ackID})
}

// NewChatMessageEvent builds the chat-message frame for m.
func NewChatMessageEvent(m Message) Event {
	return newEvent(EventChatMessage, ChatMessagePayload{
		SenderUserName: m.SenderUserName,
		Content:        m.Content,
		ID:             m.ID,
	})
}

// NewUserConnectedEvent builds the arrival announcement.
func NewUserConnectedEvent(userName string, online []string) Event {
	return newEvent(EventUserConnected, PresencePayload{UserName: userName, OnlineUserNames: nonNil(online)})
}

// NewUserDisconnectedEvent builds the departure announcement.
func NewUserDisconnectedEvent(userName string, online []string) Event {
	return newEvent(EventUserDisconnected, PresencePayload{UserName: userName, OnlineUserNames: nonNil(online)})
}

// NewUserTypingEvent builds the ephemeral typing hint.
func NewUserTypingEvent(userName string, isTyping bool) Event {
	return newEvent(EventUserTyping, TypingPayload{UserName: userName, IsTyping: isTyping})
}

// NewPrivateMessageEvent builds the frame delivered to a private message
// recipient.
func NewPrivateMessageEvent(fromUserName, content string) Event {
	return newEvent(EventPrivateMessage, PrivateMessagePayload{FromUserName: fromUserName, Content: content})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Encode returns the JSON wire form of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a raw client frame.
func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, errors.Wrap(ErrMalformedInput, err.Error())
	}
	if e.Type == "" {
		return Event{}, errors.Wrap(ErrMalformedInput, "missing frame type")
	}
	return e, nil
}

// Decode unmarshals the payload of e into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrMalformedInput, "%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrMalformedInput, "%s: %v", e.Type, err)
	}
	return nil
}

// ParseSubmission validates a submit-message frame. Content and key must both
// be JSON strings and the key must not be empty.
func ParseSubmission(e Event) (Submission, error) {
	var p SubmitPayload
	if err := e.Decode(&p); err != nil {
		return Submission{}, err
	}
	content, err := rawString(p.Content)
	if err != nil {
		return Submission{}, errors.Wrap(err, "content")
	}
	key, err := rawString(p.IdempotencyKey)
	if err != nil {
		return Submission{}, errors.Wrap(err, "idempotencyKey")
	}
	if key == "" {
		return Submission{}, errors.Wrap(ErrMalformedInput, "empty idempotencyKey")
	}
	return Submission{Content: content, IdempotencyKey: key, AckID: p.AckID}, nil
}

func rawString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", errors.Wrap(ErrMalformedInput, "not a string")
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", errors.Wrap(ErrMalformedInput, err.Error())
	}
	return s, nil
}
