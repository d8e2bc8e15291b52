package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

type retained struct {
	session chat.Session
	frames  [][]byte
	expires time.Time
}

// retention keeps disconnected sessions resumable for a short window and
// buffers the durable frames addressed to them meanwhile. A session whose
// buffer overflows is released and must recover through a full replay.
type retention struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	now    func() time.Time
	held   map[string]*retained
}

func newRetention(window time.Duration, limit int) *retention {
	return &retention{
		window: window,
		limit:  limit,
		now:    time.Now,
		held:   make(map[string]*retained),
	}
}

func (r *retention) enabled() bool {
	return r != nil && r.window > 0
}

func (r *retention) hold(s chat.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.TransportRecovered = false
	r.held[s.ID] = &retained{session: s, expires: r.now().Add(r.window)}
}

func (r *retention) holds(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[sessionID]
	return ok
}

// bufferAll appends payload to every held session except exclude and returns
// the sessions released by overflow.
func (r *retention) bufferAll(payload []byte, exclude string) []chat.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []chat.Session
	for id, h := range r.held {
		if id == exclude {
			continue
		}
		if s, overflow := r.appendLocked(id, h, payload); overflow {
			released = append(released, s)
		}
	}
	return released
}

// bufferTo appends payload for one held session. It reports whether the
// session was held and, on overflow, the released session.
func (r *retention) bufferTo(sessionID string, payload []byte) (bool, *chat.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.held[sessionID]
	if !ok {
		return false, nil
	}
	if s, overflow := r.appendLocked(sessionID, h, payload); overflow {
		return true, &s
	}
	return true, nil
}

func (r *retention) appendLocked(id string, h *retained, payload []byte) (chat.Session, bool) {
	if len(h.frames) >= r.limit {
		delete(r.held, id)
		return h.session, true
	}
	h.frames = append(h.frames, payload)
	return chat.Session{}, false
}

// reclaim hands a held session back to a reconnecting client of the same
// user, with the frames buffered since the disconnect.
func (r *retention) reclaim(sessionID, userName string) (chat.Session, [][]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.held[sessionID]
	if !ok || h.session.UserName != userName || !r.now().Before(h.expires) {
		return chat.Session{}, nil, false
	}
	delete(r.held, sessionID)
	s := h.session
	s.TransportRecovered = true
	return s, h.frames, true
}

// expire releases every session whose window has passed.
func (r *retention) expire() []chat.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var released []chat.Session
	for id, h := range r.held {
		if !now.Before(h.expires) {
			delete(r.held, id)
			released = append(released, h.session)
		}
	}
	return released
}

// drain releases every held session regardless of its window.
func (r *retention) drain() []chat.Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	released := make([]chat.Session, 0, len(r.held))
	for id, h := range r.held {
		delete(r.held, id)
		released = append(released, h.session)
	}
	return released
}
