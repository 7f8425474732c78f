package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
)

// wsSendBufferSize is how many frames may queue for a slow client before
// further frames are dropped.
const wsSendBufferSize = 256

// Origins are enforced by the CORS layer in front of the router.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSClient is one live feed connection.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	deviceID string

	mu            sync.Mutex
	subscriptions map[string]struct{}
	statusCancel  func()
}

// wsRequest is an inbound frame. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// keepalive is the ping cadence and how long a pong may take.
type keepalive struct {
	every, grace time.Duration
}

func keepaliveFor(cfg config.WebSocketConfig) keepalive {
	k := keepalive{
		every: time.Duration(cfg.PingInterval) * time.Second,
		grace: time.Duration(cfg.PongTimeout) * time.Second,
	}
	if k.every <= 0 {
		k.every = 30 * time.Second
	}
	if k.grace <= 0 {
		k.grace = 10 * time.Second
	}
	return k
}

func (k keepalive) readDeadline() time.Time { return time.Now().Add(k.every + k.grace) }

// handleWebSocket upgrades the request. The device is the one resolved from
// the identity cookie.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		deviceID:      identity.FromContext(r.Context()),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(c)
	go c.serve(s.wsCfg)
}

// serve runs the reader and writer until either stops.
func (c *WSClient) serve(cfg config.WebSocketConfig) {
	k := keepaliveFor(cfg)
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}

	var g errgroup.Group
	g.Go(func() error {
		defer c.hub.Unregister(c)
		return c.readLoop(k)
	})
	g.Go(func() error {
		defer c.conn.Close()
		return c.writeLoop(k)
	})
	_ = g.Wait() //nolint:errcheck // Both sides end on a closed connection
}

func (c *WSClient) readLoop(k keepalive) error {
	c.conn.SetReadDeadline(k.readDeadline()) //nolint:errcheck // Checked by the next read
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(k.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return err
		}
		c.conn.SetReadDeadline(k.readDeadline()) //nolint:errcheck // Checked by the next read
		c.handleMessage(data)
	}
}

// writeLoop drains the send queue and pings. A closed queue means the hub
// dropped the client.
func (c *WSClient) writeLoop(k keepalive) error {
	ping := time.NewTicker(k.every)
	defer ping.Stop()

	for {
		var (
			kind = websocket.TextMessage
			data []byte
		)
		select {
		case frame, open := <-c.send:
			if !open {
				return c.conn.WriteMessage(websocket.CloseMessage, nil)
			}
			data = frame
		case <-ping.C:
			kind = websocket.PingMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(k.grace)) //nolint:errcheck // Surfaces on write
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return err
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var p WSSubscribePayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				c.sendError(req.ID, "invalid "+req.Type+" payload")
				return
			}
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(req.ID, p.Channels)
		} else {
			c.unsubscribe(req.ID, p.Channels)
		}
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// subscribe acknowledges first, then replays the current value of each
// shared channel.
func (c *WSClient) subscribe(id string, channels []string) {
	accepted := make([]string, 0, len(channels))
	var shared []string
	for _, ch := range channels {
		switch ch {
		case ChannelCount, ChannelHistory:
			shared = append(shared, ch)
		case ChannelDeviceStatus:
			if !c.hub.subscribeStatus(c) {
				c.sendError(id, "device.status needs a device cookie")
				continue
			}
		default:
			c.sendError(id, "unknown channel: "+ch)
			continue
		}
		accepted = append(accepted, ch)
	}

	c.reply(id, WSTypeResponse, map[string]any{"subscribed": accepted})
	for _, ch := range shared {
		c.hub.subscribeShared(c, ch)
	}
	c.hub.logger.Debug("websocket client subscribed", "channels", accepted)
}

func (c *WSClient) unsubscribe(id string, channels []string) {
	for _, ch := range channels {
		if ch == ChannelDeviceStatus {
			c.stopStatus()
			continue
		}
		c.mu.Lock()
		delete(c.subscriptions, ch)
		c.mu.Unlock()
	}
	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": channels})
}

func (c *WSClient) stopStatus() {
	c.mu.Lock()
	cancel := c.statusCancel
	c.statusCancel = nil
	delete(c.subscriptions, ChannelDeviceStatus)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// trySend queues a frame without blocking. Frames for a full queue are
// dropped; a send after the hub closed the queue is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() { _ = recover() }()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{Type: kind, ID: id, Timestamp: stamp(), Payload: payload})
	if err == nil {
		c.trySend(data)
	}
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
