package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/chat"
	"github.com/Tyrowin/chatfanout/internal/config"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	replayWait  = 5 * time.Second
	joinWait    = 5 * time.Second
	sendBuffer  = 256
	frameMargin = 1024
)

var (
	errClientGone = errors.New("client gone")
	errSlowClient = errors.New("client send buffer full")
)

// Client is one WebSocket connection bound to a session. The read pump
// serializes every frame of the session; the write pump owns socket writes.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	ready  chan struct{}
	joined chan struct{} // closed once the session is registered
	once   sync.Once

	hub     *Hub
	service *Service
	session chat.Session
	// resumeID is the prior session id presented on connect, if any.
	resumeID string
	pending  [][]byte

	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         *zap.Logger
}

// NewClient creates a client for session. The send buffer holds at least a
// full retention buffer so a resumed session can be flushed at once.
func NewClient(conn *websocket.Conn, hub *Hub, svc *Service, session chat.Session, resumeID, addr string, cfg config.Config, logger *zap.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize + frameMargin)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, max(sendBuffer, cfg.RecoveryBuffer+1)),
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
		joined:         make(chan struct{}),
		hub:            hub,
		service:        svc,
		session:        session,
		resumeID:       resumeID,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With(zap.String("addr", addr)),
	}
}

// Session returns the session the client is bound to. It is final once the
// hub has attached the client.
func (c *Client) Session() chat.Session {
	return c.session
}

// markJoined reports that the connect flow has registered the session. It
// must be called exactly once after the hub attached the client.
func (c *Client) markJoined() {
	close(c.joined)
}

func (c *Client) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// deliver waits up to wait for room in the send buffer.
func (c *Client) deliver(payload []byte, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientGone
	case <-timer.C:
		return errSlowClient
	}
}

// DeliverMessage sends one replayed message to this client only.
func (c *Client) DeliverMessage(m chat.Message) error {
	payload, err := chat.NewChatMessageEvent(m).Encode()
	if err != nil {
		return err
	}
	return c.deliver(payload, replayWait)
}

// queueGreeting puts the session frame and any frames retained while the
// session was away at the head of the send buffer.
func (c *Client) queueGreeting() {
	payload, err := chat.NewSessionEvent(c.session.ID, c.session.TransportRecovered).Encode()
	if err == nil {
		c.trySend(payload)
	}
	for _, frame := range c.pending {
		if !c.trySend(frame) {
			c.logger.Warn("dropping retained frame", zap.String("session", c.session.ID))
		}
	}
	c.pending = nil
}

// setupReadConnection arms the read deadline and extends it on every pong.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("frame exceeded maximum size", zap.Int64("limit", c.maxMessageSize+frameMargin))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the frame fits in the session's token bucket.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Info("rate limit exceeded; discarding frame",
			zap.Int("burst", c.rateLimit.Burst), zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes one client frame and applies it.
func (c *Client) processMessage(ctx context.Context, raw []byte) {
	ev, err := chat.DecodeEvent(raw)
	if err != nil {
		c.logger.Info("invalid frame", zap.Error(err))
		return
	}

	switch ev.Type {
	case chat.EventSubmitMessage:
		c.handleSubmit(ctx, ev)

	case chat.EventUserTyping:
		var p chat.TypingPayload
		if err := ev.Decode(&p); err != nil {
			c.logger.Info("invalid typing frame", zap.Error(err))
			return
		}
		c.service.Typing(ctx, c.session, p.IsTyping)

	case chat.EventPrivateMessage:
		var p chat.PrivateMessagePayload
		if err := ev.Decode(&p); err != nil {
			c.logger.Info("invalid private message frame", zap.Error(err))
			return
		}
		c.service.Private(ctx, c.session, p.ToUserName, p.Content)

	default:
		c.logger.Debug("ignoring frame", zap.String("type", string(ev.Type)))
	}
}

func (c *Client) handleSubmit(ctx context.Context, ev chat.Event) {
	sub, err := chat.ParseSubmission(ev)
	if err != nil {
		c.logger.Info("rejected submission", zap.String("session", c.session.ID), zap.Error(err))
		return
	}

	if c.service.Submit(ctx, c.session, sub.Content, sub.IdempotencyKey) != chat.Acknowledged {
		return
	}

	payload, err := chat.NewAckEvent(sub.AckID).Encode()
	if err != nil {
		return
	}
	if err := c.deliver(payload, writeWait); err != nil {
		c.logger.Debug("ack not delivered", zap.Int64("ackId", sub.AckID), zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("close connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(c.hub.ctx, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent handles one queued frame, ping or stop signal. It returns
// false once the socket is done.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		return c.writeCloseMessage()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("close connection in writePump", zap.Error(err))
	}
}

// writeCloseMessage says goodbye when the hub dropped the session.
func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("write close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes one JSON frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write message", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("write ping", zap.Error(err))
		return false
	}
	return true
}
