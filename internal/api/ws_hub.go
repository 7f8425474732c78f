package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
	"github.com/nerrad567/headcount/internal/infrastructure/logging"
	"github.com/nerrad567/headcount/internal/occupancy"
)

// Frame types on the live feed.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Live feed channels.
const (
	ChannelCount        = "occupancy.count"
	ChannelHistory      = "occupancy.history"
	ChannelDeviceStatus = "device.status"
)

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channels of a subscribe or unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// CountPayload is the occupancy.count event payload.
type CountPayload struct {
	Count int `json:"count"`
}

// HistoryPayload is the occupancy.history event payload, newest first.
type HistoryPayload struct {
	Entries []occupancy.HistoryEntry `json:"entries"`
}

// StatusPayload is the device.status event payload.
type StatusPayload struct {
	DeviceID string        `json:"deviceId"`
	Status   device.Status `json:"status"`
}

// StatusFeed pushes the status of one device. The device registry satisfies it.
type StatusFeed interface {
	SubscribeStatus(id string, fn func(device.Status)) (func(), error)
}

// Hub tracks live feed clients and fans events out to them.
//
// occupancy.count and occupancy.history are shared: the hub keeps the last
// event of each and replays it to new subscribers. device.status is per
// client and follows the client's own device.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger
	status StatusFeed

	mu        sync.RWMutex
	clients   map[*WSClient]struct{}
	latest    map[string][]byte
	onClients func(n int)
}

// NewHub creates a hub. With a nil status feed, device.status is refused.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, status StatusFeed) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		status:  status,
		clients: make(map[*WSClient]struct{}),
		latest:  make(map[string][]byte),
	}
}

// OnClientsChanged sets fn to receive the client count after every change.
func (h *Hub) OnClientsChanged(fn func(n int)) {
	h.mu.Lock()
	h.onClients = fn
	h.mu.Unlock()
}

// Run waits for ctx, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	gone := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range gone {
		c.stopStatus()
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n, notify := len(h.clients), h.onClients
	h.mu.Unlock()

	if notify != nil {
		notify(n)
	}
	h.logger.Debug("websocket client connected", "clients", n, "device_id", c.deviceID)
}

// Unregister removes a client. Whoever removes it from the map closes its
// send channel, so repeated calls are harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n, notify := len(h.clients), h.onClients
	h.mu.Unlock()

	c.stopStatus()
	if !present {
		return
	}
	close(c.send)
	if notify != nil {
		notify(n)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Publish stores payload as the latest event on a shared channel and
// delivers it to current subscribers.
func (h *Hub) Publish(channel string, payload any) {
	data, err := eventFrame(channel, payload)
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	h.latest[channel] = data
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if c.isSubscribed(channel) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribeShared subscribes c and replays the channel's latest event. The
// hub lock is held throughout so a concurrent Publish lands after the replay.
func (h *Hub) subscribeShared(c *WSClient, channel string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()

	if data := h.latest[channel]; data != nil {
		c.trySend(data)
	}
}

// subscribeStatus attaches c to its own device's status. It reports false
// when there is no feed or no device.
func (h *Hub) subscribeStatus(c *WSClient) bool {
	if h.status == nil || c.deviceID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusCancel != nil {
		return true
	}

	id := c.deviceID
	cancel, err := h.status.SubscribeStatus(id, func(st device.Status) {
		if data, err := eventFrame(ChannelDeviceStatus, StatusPayload{DeviceID: id, Status: st}); err == nil {
			c.trySend(data)
		}
	})
	if err != nil {
		h.logger.Warn("subscribing to device status", "device_id", id, "error", err)
		return false
	}
	c.statusCancel = cancel
	c.subscriptions[ChannelDeviceStatus] = struct{}{}
	return true
}

func stamp() string { return time.Now().UTC().Format(time.RFC3339) }

func eventFrame(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{Type: WSTypeEvent, EventType: channel, Timestamp: stamp(), Payload: payload})
}
