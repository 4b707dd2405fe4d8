// Package ws implements the realtime transport over a WebSocket relay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/keepsakehq/keepsake/core/internal/errors"
	"github.com/keepsakehq/keepsake/core/internal/logging"
	"github.com/keepsakehq/keepsake/core/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Server event types.
const (
	EventMemoryCreate = "memory.create"
	EventMemoryUpdate = "memory.update"
	EventMemoryDelete = "memory.delete"
	EventPresenceSync = "presence.sync"
)

// frame is an outgoing client command.
type frame struct {
	Action  string      `json:"action"`
	Channel string      `json:"channel"`
	Payload interface{} `json:"payload,omitempty"`
}

// Client is a realtime.Transport over one WebSocket connection.
// Channel handlers are attached before the subscribe frame is sent, so
// an event arriving right after the server acknowledges always finds a
// listener.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu               sync.Mutex
	changeHandlers   map[string]func(models.MemoryUpdate)
	presenceHandlers map[string]func([]models.PresenceEntry)

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the realtime relay.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime relay: %w", err)
	}

	c := &Client{
		conn:             conn,
		send:             make(chan []byte, 256),
		changeHandlers:   make(map[string]func(models.MemoryUpdate)),
		presenceHandlers: make(map[string]func([]models.PresenceEntry)),
		closed:           make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

// SubscribeChanges opens the change stream for one connection.
func (c *Client) SubscribeChanges(ctx context.Context, connectionID string, handler func(models.MemoryUpdate)) (func(), error) {
	channel := "memories:" + connectionID

	// Attach before subscribing; see type doc.
	c.mu.Lock()
	c.changeHandlers[connectionID] = handler
	c.mu.Unlock()

	if err := c.sendFrame(frame{Action: "subscribe", Channel: channel}); err != nil {
		c.mu.Lock()
		delete(c.changeHandlers, connectionID)
		c.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrRealtimeSubscribe, "subscribe frame not sent", err)
	}

	stop := func() {
		c.mu.Lock()
		delete(c.changeHandlers, connectionID)
		c.mu.Unlock()
		_ = c.sendFrame(frame{Action: "unsubscribe", Channel: channel})
	}
	return stop, nil
}

// SubscribePresence joins a presence channel and advertises self.
func (c *Client) SubscribePresence(ctx context.Context, connectionID string, self models.PresenceEntry, handler func([]models.PresenceEntry)) (func(), error) {
	channel := "presence:" + connectionID

	c.mu.Lock()
	c.presenceHandlers[connectionID] = handler
	c.mu.Unlock()

	if err := c.sendFrame(frame{Action: "track", Channel: channel, Payload: self}); err != nil {
		c.mu.Lock()
		delete(c.presenceHandlers, connectionID)
		c.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrRealtimeSubscribe, "track frame not sent", err)
	}

	stop := func() {
		c.mu.Lock()
		delete(c.presenceHandlers, connectionID)
		c.mu.Unlock()
		_ = c.sendFrame(frame{Action: "untrack", Channel: channel})
	}
	return stop, nil
}

// Close shuts the connection down. Pending handler dispatches stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// sendFrame queues an outgoing command. The closed channel is checked
// before the buffered enqueue so commands never race a teardown.
func (c *Client) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return apperrors.New(apperrors.ErrTransportClosed, "connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return apperrors.New(apperrors.ErrTransportClosed, "connection closed")
	}
}

// readPump pumps messages from the WebSocket connection.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Realtime read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logging.Warn("Invalid realtime envelope", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		c.dispatch(env)
	}
}

// dispatch routes one envelope to its channel handler.
func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case EventMemoryCreate, EventMemoryUpdate, EventMemoryDelete:
		var update models.MemoryUpdate
		if err := json.Unmarshal(env.Data, &update); err != nil {
			logging.Warn("Undecodable memory event", map[string]interface{}{
				"type":  env.Type,
				"error": err.Error(),
			})
			return
		}

		c.mu.Lock()
		handler := c.changeHandlers[update.ConnectionID]
		c.mu.Unlock()
		if handler != nil {
			handler(update)
		}

	case EventPresenceSync:
		connID := channelSuffix(env.Channel, "presence:")
		var entries []models.PresenceEntry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			logging.Warn("Undecodable presence sync", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		c.mu.Lock()
		handler := c.presenceHandlers[connID]
		c.mu.Unlock()
		if handler != nil {
			handler(entries)
		}
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// channelSuffix strips a channel prefix, returning the connection id.
func channelSuffix(channel, prefix string) string {
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return channel
}
