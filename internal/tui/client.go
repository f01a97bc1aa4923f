// Package tui is the read-only operator console: it attaches to the admin
// bus, subscribes to the event channels, and renders a live view.
package tui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// BusEvent is one event received from the admin bus.
type BusEvent struct {
	Channel string
	Data    map[string]interface{}
	At      time.Time
}

// BusClient is the console's connection to the admin bus websocket.
type BusClient struct {
	url      string
	token    string
	channels []string

	conn   *websocket.Conn
	events chan BusEvent
	errs   chan error
}

// NewBusClient creates a client for the bus at url.
func NewBusClient(url, token string, channels []string) *BusClient {
	return &BusClient{
		url:      url,
		token:    token,
		channels: channels,
		events:   make(chan BusEvent, 256),
		errs:     make(chan error, 1),
	}
}

// Events is the stream of received bus events.
func (c *BusClient) Events() <-chan BusEvent { return c.events }

// Errs delivers a terminal connection error.
func (c *BusClient) Errs() <-chan error { return c.errs }

// Connect dials, authenticates, and subscribes; then runs the read and
// keepalive loops in the background.
func (c *BusClient) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	c.conn = conn

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var reply struct {
		Type    string `json:"type"`
		IsAdmin bool   `json:"isAdmin"`
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return fmt.Errorf("auth handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if reply.Type != "auth_success" {
		conn.Close()
		return fmt.Errorf("auth rejected: %s", reply.Type)
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "channels": c.channels}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	go c.keepalive()
	go c.readLoop()
	return nil
}

// Close shuts the connection down.
func (c *BusClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *BusClient) keepalive() {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
			return
		}
	}
}

func (c *BusClient) readLoop() {
	for {
		var env struct {
			Type    string          `json:"type"`
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
			Ts      int64           `json:"ts"`
		}
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case c.errs <- err:
			default:
			}
			return
		}
		if env.Type != "event" {
			continue
		}

		var data map[string]interface{}
		if len(env.Data) > 0 {
			json.Unmarshal(env.Data, &data)
		}
		at := time.Now()
		if env.Ts > 0 {
			at = time.UnixMilli(env.Ts)
		}

		select {
		case c.events <- BusEvent{Channel: env.Channel, Data: data, At: at}:
		default:
			// Console lags; drop rather than block the socket.
		}
	}
}
