package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/broadcast"
	"github.com/Tyrowin/chatfanout/internal/bus"
	"github.com/Tyrowin/chatfanout/internal/chat"
)

// DepartureFunc is called once a session is gone from this worker for good.
type DepartureFunc func(s chat.Session)

// Hub owns the sessions held by this worker. Delivery never blocks: a client
// whose send buffer is full is evicted.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan delivery
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	retention   *retention
	onDeparture DepartureFunc
	sweepEvery  time.Duration
	logger      *zap.Logger
}

var _ broadcast.Deliverer = (*Hub)(nil)

// NewHub creates a hub. ret may be nil to disable transport recovery.
func NewHub(ret *retention, onDeparture DepartureFunc, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onDeparture == nil {
		onDeparture = func(chat.Session) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:     make(map[string]*Client),
		broadcast:   make(chan delivery),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		retention:   ret,
		onDeparture: onDeparture,
		sweepEvery:  time.Second,
		logger:      logger,
	}
	if ret.enabled() && ret.window/4 < h.sweepEvery {
		h.sweepEvery = max(ret.window/4, 10*time.Millisecond)
	}
	return h
}

// Context is cancelled when the hub shuts down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Attach hands c to the hub and waits until it is registered. When c asks to
// resume a retained session, the session and its buffered frames are handed
// over within the hub loop so no delivery is lost in between.
func (h *Hub) Attach(c *Client) bool {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		return false
	}
	// the loop closes ready before serving anything else
	<-c.ready
	return true
}

// DeliverAll queues payload for every local session except exclude.
func (h *Hub) DeliverAll(class bus.Class, payload []byte, exclude string) {
	h.enqueue(delivery{class: class, exclude: exclude, payload: payload})
}

// DeliverTo queues payload for one session and reports whether the session
// is held by this worker, live or retained.
func (h *Hub) DeliverTo(class bus.Class, sessionID string, payload []byte) bool {
	if !h.holds(sessionID) {
		return false
	}
	h.enqueue(delivery{class: class, target: sessionID, payload: payload})
	return true
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.ctx.Done():
	}
}

func (h *Hub) holds(sessionID string) bool {
	h.mutex.RLock()
	_, live := h.clients[sessionID]
	h.mutex.RUnlock()
	return live || h.retention.holds(sessionID)
}

// ClientCount returns the number of live local sessions.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.clients[client.session.ID] != client {
		return false
	}
	return client.trySend(message)
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, delivery and retention expiry. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	sweep := time.NewTicker(h.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.attach(client)

		case client := <-h.unregister:
			h.detach(client, "disconnected")

		case d := <-h.broadcast:
			h.handleDelivery(d)

		case <-sweep.C:
			if h.retention.enabled() {
				h.release(h.retention.expire()...)
			}
		}
	}
}

func (h *Hub) attach(client *Client) {
	if client.resumeID != "" && h.retention.enabled() {
		if s, frames, ok := h.retention.reclaim(client.resumeID, client.session.UserName); ok {
			s.LastKnownMessageID = client.session.LastKnownMessageID
			client.session = s
			client.pending = frames
		}
	}
	client.queueGreeting()

	h.mutex.Lock()
	h.clients[client.session.ID] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	close(client.ready)

	h.logger.Info("client registered",
		zap.String("session", client.session.ID),
		zap.String("user", client.session.UserName),
		zap.Bool("recovered", client.session.TransportRecovered),
		zap.String("addr", client.addr),
		zap.Int("clients", clientCount))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// detach removes client and either retains its session or releases it.
func (h *Hub) detach(client *Client, reason string) {
	h.mutex.Lock()
	if h.clients[client.session.ID] != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.session.ID)
	clientCount := len(h.clients)
	h.mutex.Unlock()
	client.stop()

	h.logger.Info("client unregistered",
		zap.String("session", client.session.ID),
		zap.String("reason", reason),
		zap.Int("clients", clientCount))

	if h.retention.enabled() {
		h.retention.hold(client.session)
		return
	}
	h.releaseClient(client)
}

// releaseClient runs the departure of client once its session is registered,
// so an early disconnect cannot unregister a session that is registered
// right after.
func (h *Hub) releaseClient(client *Client) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		timer := time.NewTimer(joinWait)
		defer timer.Stop()
		select {
		case <-client.joined:
		case <-timer.C:
			h.logger.Warn("releasing session that never finished connecting",
				zap.String("session", client.session.ID))
		}
		h.onDeparture(client.session)
	}()
}

func (h *Hub) release(sessions ...chat.Session) {
	for _, s := range sessions {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.onDeparture(s)
		}()
	}
}

func (h *Hub) handleDelivery(d delivery) {
	if d.target != "" {
		h.deliverTo(d)
		return
	}

	clients := h.getClientSnapshot()
	var clientsToRemove []*Client
	for _, client := range clients {
		if client.session.ID == d.exclude {
			continue
		}
		if !h.safeSend(client, d.payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	if d.class == bus.Durable && h.retention.enabled() {
		h.release(h.retention.bufferAll(d.payload, d.exclude)...)
	}
	h.removeFailedClients(d.class, clientsToRemove)
}

func (h *Hub) deliverTo(d delivery) {
	h.mutex.RLock()
	client, live := h.clients[d.target]
	h.mutex.RUnlock()

	if live {
		if !h.safeSend(client, d.payload) {
			h.removeFailedClients(d.class, []*Client{client})
		}
		return
	}
	if d.class == bus.Durable && h.retention.enabled() {
		if _, overflow := h.retention.bufferTo(d.target, d.payload); overflow != nil {
			h.release(*overflow)
		}
	}
}

// getClientSnapshot copies the live clients so delivery runs without the lock.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients evicts clients whose send buffer is full. Ephemeral
// frames are allowed to drop without evicting anyone.
func (h *Hub) removeFailedClients(class bus.Class, clientsToRemove []*Client) {
	if class == bus.Ephemeral {
		return
	}
	for _, client := range clientsToRemove {
		h.detach(client, "send buffer full")
	}
}

// shutdownClients closes every live connection and releases the live and
// retained sessions so other workers see them leave.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.mutex.Unlock()

	for _, client := range clients {
		client.stop()
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("close client connection", zap.String("addr", client.addr), zap.Error(err))
			}
		}
		h.releaseClient(client)
	}
	retained := h.retention.drain()
	h.release(retained...)

	h.logger.Info("closed client connections",
		zap.Int("count", len(clients)), zap.Int("retained", len(retained)))
}

// Shutdown stops the hub loop and waits up to timeout for the pumps and
// pending departures to finish.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
