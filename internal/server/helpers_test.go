package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/bus"
	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/config"
	"github.com/Tyrowin/chatfanout/internal/messagelog"
	"github.com/Tyrowin/chatfanout/internal/registry"
)

const testOrigin = "http://localhost:8080"

func init() {
	gin.SetMode(gin.TestMode)
}

// flakyLog fails every Append while err is set.
type flakyLog struct {
	*messagelog.Memory
	mu  sync.Mutex
	err error
}

func (f *flakyLog) failAppends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyLog) Append(ctx context.Context, senderUserName, content, idempotencyKey string) (int64, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return 0, errors.Wrap(chat.ErrStorageUnavailable, err.Error())
	}
	return f.Memory.Append(ctx, senderUserName, content, idempotencyKey)
}

// flakyBus rejects every Publish while err is set.
type flakyBus struct {
	*bus.Local
	mu  sync.Mutex
	err error
}

func (f *flakyBus) failPublishes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyBus) Publish(ctx context.Context, env bus.Envelope) error {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Local.Publish(ctx, env)
}

// shared are the collaborators every worker of a test cluster talks to.
type shared struct {
	messages *flakyLog
	registry registry.Registry
	bus      *flakyBus
}

func newShared() shared {
	return shared{
		messages: &flakyLog{Memory: messagelog.NewMemory()},
		registry: registry.NewMemory("cluster"),
		bus:      &flakyBus{Local: bus.NewLocal()},
	}
}

type testServer struct {
	*Server
	shared
	web *httptest.Server
}

// newTestServer starts a single worker on in-memory collaborators.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	return newWorker(t, newShared(), "node-test", mutate)
}

// newWorker starts a worker named node on the given collaborators.
func newWorker(t *testing.T, deps shared, node string, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Config{
		AllowedOrigins: []string{testOrigin},
		NodeID:         node,
		RateLimit:      config.RateLimitConfig{Burst: 100, RefillInterval: time.Second},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg, Deps{Messages: deps.messages, Registry: deps.registry, Bus: deps.bus}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.Start()
	ts := &testServer{Server: srv, shared: deps, web: httptest.NewServer(srv.Handler())}

	t.Cleanup(func() {
		if err := srv.Hub().Shutdown(2 * time.Second); err != nil {
			t.Logf("hub shutdown: %v", err)
		}
		ts.web.Close()
	})
	return ts
}

// online lists the registered sessions or fails the test.
func (ts *testServer) online(t *testing.T) []chat.Session {
	t.Helper()
	sessions, err := ts.registry.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	return sessions
}

func (ts *testServer) wsURL(params url.Values) string {
	return "ws" + strings.TrimPrefix(ts.web.URL, "http") + "/ws?" + params.Encode()
}

// connect dials the worker as userName and returns the connection and the
// session frame.
func (ts *testServer) connect(t *testing.T, params url.Values) (*websocket.Conn, chat.SessionPayload) {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(ts.wsURL(params), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	var session chat.SessionPayload
	decode(t, readFrame(t, conn), chat.EventSession, &session)
	return conn, session
}

func (ts *testServer) join(t *testing.T, userName string) (*websocket.Conn, chat.SessionPayload) {
	t.Helper()
	conn, session := ts.connect(t, url.Values{"userName": {userName}})
	// the arrival announcement reaches the arriving session too
	nextOf(t, conn, chat.EventUserConnected)
	return conn, session
}

func readFrame(t *testing.T, conn *websocket.Conn) chat.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	ev, err := chat.DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return ev
}

// nextOf skips frames until one of type typ arrives.
func nextOf(t *testing.T, conn *websocket.Conn, typ chat.EventType) chat.Event {
	t.Helper()
	for {
		if ev := readFrame(t, conn); ev.Type == typ {
			return ev
		}
	}
}

// expectNone fails if a frame of type typ arrives within wait. It leaves the
// connection unusable for further reads.
func expectNone(t *testing.T, conn *websocket.Conn, typ chat.EventType, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if ev, err := chat.DecodeEvent(raw); err == nil && ev.Type == typ {
			t.Fatalf("unexpected %s frame: %s", typ, raw)
		}
	}
}

func decode(t *testing.T, ev chat.Event, typ chat.EventType, v any) {
	t.Helper()
	if ev.Type != typ {
		t.Fatalf("expected %s frame, got %s", typ, ev.Type)
	}
	if err := ev.Decode(v); err != nil {
		t.Fatalf("decode %s: %v", typ, err)
	}
}

func send(t *testing.T, conn *websocket.Conn, typ chat.EventType, data string) {
	t.Helper()
	frame := `{"type":"` + string(typ) + `","data":` + data + `}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func submit(t *testing.T, conn *websocket.Conn, content, key string, ackID int) {
	t.Helper()
	send(t, conn, chat.EventSubmitMessage,
		`{"content":`+quote(content)+`,"idempotencyKey":`+quote(key)+`,"ackId":`+strconv.Itoa(ackID)+`}`)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
