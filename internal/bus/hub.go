// Package bus is the authenticated admin pub/sub: a websocket hub operators
// attach to for job status, trades, balances, and logs. It carries no
// business logic; slow subscribers drop messages and never backpressure the
// engine.
package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Channels the hub accepts.
const (
	ChanJobStatus      = "job_status"
	ChanTransactions   = "transactions"
	ChanBalanceUpdates = "balance_updates"
	ChanLogs           = "logs"
	ChanReactiveEvents = "reactive_events"
	ChanLaunchUpdates  = "launch_updates"
)

var knownChannels = map[string]bool{
	ChanJobStatus:      true,
	ChanTransactions:   true,
	ChanBalanceUpdates: true,
	ChanLogs:           true,
	ChanReactiveEvents: true,
	ChanLaunchUpdates:  true,
}

// Channels that require the admin role, checked at subscribe and at publish.
var adminChannels = map[string]bool{
	ChanLogs:      true,
	ChanJobStatus: true,
}

const (
	staleAfter  = 60 * time.Second
	reapEvery   = 30 * time.Second
	sendBuffer  = 64
	authTimeout = 10 * time.Second
)

// Identity is the resolved caller of a bus connection.
type Identity struct {
	ID      string
	IsAdmin bool
}

// Verifier authenticates bearer tokens. The engine takes it as a pluggable
// collaborator; a token-compare implementation ships for single-operator
// deployments.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier accepts one shared admin token.
type StaticVerifier struct {
	Token string
}

func (v StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if v.Token == "" || token != v.Token {
		return Identity{}, ErrUnauthorized
	}
	return Identity{ID: "operator", IsAdmin: true}, nil
}

// ErrUnauthorized rejects a bus handshake.
var ErrUnauthorized = &AuthError{}

// AuthError marks a failed bus authentication.
type AuthError struct{}

func (*AuthError) Error() string { return "unauthorized" }

// Envelope is the wire format for every hub message.
type Envelope struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	IsAdmin bool        `json:"isAdmin,omitempty"`
	Ts      int64       `json:"ts,omitempty"`
}

type client struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	send     chan *Envelope

	mu         sync.Mutex
	channels   map[string]bool
	lastPingAt time.Time
	closed     bool
}

// Hub multiplexes engine events to subscribed operator connections.
type Hub struct {
	verifier Verifier
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	stop chan struct{}
	once sync.Once
}

// NewHub creates a hub over the verifier.
func NewHub(verifier Verifier) *Hub {
	h := &Hub{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go h.reapLoop()
	return h
}

// Handler is the websocket endpoint.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("bus upgrade failed")
		return
	}

	identity, err := h.authenticate(r, conn)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := &client{
		id:         uuid.NewString(),
		identity:   identity,
		conn:       conn,
		send:       make(chan *Envelope, sendBuffer),
		channels:   make(map[string]bool),
		lastPingAt: time.Now(),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	log.Info().Str("client", c.id).Str("identity", identity.ID).Bool("admin", identity.IsAdmin).Msg("bus client connected")
	c.trySend(&Envelope{Type: "auth_success", IsAdmin: identity.IsAdmin})

	go h.writeLoop(c)
	h.readLoop(c)
}

// authenticate resolves the bearer token from the query string or, failing
// that, from the first message.
func (h *Hub) authenticate(r *http.Request, conn *websocket.Conn) (Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		conn.SetReadDeadline(time.Now().Add(authTimeout))
		var first struct {
			Type  string `json:"type"`
			Token string `json:"token"`
		}
		if err := conn.ReadJSON(&first); err != nil {
			return Identity{}, err
		}
		conn.SetReadDeadline(time.Time{})
		token = first.Token
	}

	ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
	defer cancel()
	return h.verifier.Verify(ctx, token)
}

func (h *Hub) readLoop(c *client) {
	defer h.drop(c)

	for {
		var msg struct {
			Type     string   `json:"type"`
			Channels []string `json:"channels"`
		}
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			c.mu.Lock()
			c.lastPingAt = time.Now()
			c.mu.Unlock()
			c.trySend(&Envelope{Type: "pong", Ts: time.Now().UnixMilli()})
		case "subscribe":
			for _, ch := range msg.Channels {
				if !knownChannels[ch] {
					continue
				}
				if adminChannels[ch] && !c.identity.IsAdmin {
					c.trySend(&Envelope{Type: "error", Channel: ch, Data: "forbidden"})
					continue
				}
				c.mu.Lock()
				c.channels[ch] = true
				c.mu.Unlock()
			}
			c.trySend(&Envelope{Type: "subscribed", Data: msg.Channels})
		case "unsubscribe":
			c.mu.Lock()
			for _, ch := range msg.Channels {
				delete(c.channels, ch)
			}
			c.mu.Unlock()
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for env := range c.send {
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

// trySend enqueues without blocking; a full buffer drops the message, a
// dropped client discards it. The closed check and the send share the client
// mutex so a concurrent drop can never close the channel mid-send.
func (c *client) trySend(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
	}
}

// Publish fans an event out to every subscriber of channel. Non-blocking per
// subscriber; the role check runs again here so a demoted identity stops
// receiving admin channels mid-session.
func (h *Hub) Publish(channel string, data interface{}) {
	if !knownChannels[channel] {
		return
	}
	env := &Envelope{Type: "event", Channel: channel, Data: data, Ts: time.Now().UnixMilli()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if adminChannels[channel] && !c.identity.IsAdmin {
			continue
		}
		c.mu.Lock()
		subscribed := c.channels[channel]
		c.mu.Unlock()
		if subscribed {
			c.trySend(env)
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	c.conn.Close()
	log.Info().Str("client", c.id).Msg("bus client disconnected")
}

// reapLoop drops clients that stopped pinging.
func (h *Hub) reapLoop() {
	ticker := time.NewTicker(reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.RLock()
			var stale []*client
			for _, c := range h.clients {
				c.mu.Lock()
				if time.Since(c.lastPingAt) > staleAfter {
					stale = append(stale, c)
				}
				c.mu.Unlock()
			}
			h.mu.RUnlock()

			for _, c := range stale {
				log.Debug().Str("client", c.id).Msg("bus client stale, dropping")
				h.drop(c)
			}
		}
	}
}

// Close drops all clients and stops the reaper.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}
