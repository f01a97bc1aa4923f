// Package reactive mirrors qualifying external swaps with scaled
// counter-trades. One upstream websocket is multiplexed across all
// reactive-enabled tokens: one logs subscription per mint.
package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsPingInterval     = 30 * time.Second
	wsStaleAfter       = 60 * time.Second
	wsReconnectInitial = 1 * time.Second
	wsReconnectMax     = 60 * time.Second
	wsRequestTimeout   = 10 * time.Second
)

// LogEvent is one logs notification for a subscribed mint.
type LogEvent struct {
	Mint      string
	Signature string
	Failed    bool
	Logs      []string
}

// WSClient maintains the upstream websocket: request/response correlation,
// logs-notification dispatch, keepalive, and backoff reconnect with
// re-subscription.
type WSClient struct {
	url     string
	handler func(LogEvent)

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   int
	pending  map[int]chan json.RawMessage
	desired  map[string]struct{} // mints we want subscribed
	subByID  map[uint64]string   // live subscription id -> mint
	idByMint map[string]uint64
	lastPong time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWSClient creates a client for url. The handler receives every logs
// notification; it must not block.
func NewWSClient(url string, handler func(LogEvent)) *WSClient {
	return &WSClient{
		url:      url,
		handler:  handler,
		pending:  make(map[int]chan json.RawMessage),
		desired:  make(map[string]struct{}),
		subByID:  make(map[uint64]string),
		idByMint: make(map[string]uint64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the connection loop until ctx is cancelled or Stop is called.
func (c *WSClient) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop closes the connection and halts reconnects.
func (c *WSClient) Stop() {
	close(c.stop)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.done)
	backoff := wsReconnectInitial

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			log.Warn().Err(err).Dur("retryIn", backoff).Msg("ws connect failed")
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}
		backoff = wsReconnectInitial

		c.resubscribe(ctx)
		c.readLoop(ctx)

		// Connection dropped; clear live subscription state before retrying.
		c.mu.Lock()
		c.subByID = make(map[uint64]string)
		c.idByMint = make(map[string]uint64)
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[int]chan json.RawMessage)
		c.mu.Unlock()
	}
}

func (c *WSClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.mu.Unlock()

	log.Info().Str("url", c.url).Msg("ws connected")
	return nil
}

// readLoop reads until the connection breaks. A keepalive goroutine pings
// every 30s and force-closes the socket when no pong arrives within 60s.
func (c *WSClient) readLoop(ctx context.Context) {
	conn := c.currentConn()
	if conn == nil {
		return
	}

	pingStop := make(chan struct{})
	defer close(pingStop)
	go c.keepalive(conn, pingStop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-c.stop:
			default:
				log.Warn().Err(err).Msg("ws read failed, reconnecting")
			}
			conn.Close()
			return
		}
		c.dispatch(raw)
	}
}

func (c *WSClient) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPong) > wsStaleAfter
			c.mu.Unlock()
			if stale {
				log.Warn().Msg("ws stale, forcing reconnect")
				conn.Close()
				return
			}
			c.writeControl(conn, websocket.PingMessage)
		}
	}
}

func (c *WSClient) writeControl(conn *websocket.Conn, messageType int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.WriteControl(messageType, nil, time.Now().Add(5*time.Second))
}

func (c *WSClient) dispatch(raw []byte) {
	var msg struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Params struct {
			Subscription uint64 `json:"subscription"`
			Result       struct {
				Value struct {
					Signature string      `json:"signature"`
					Err       interface{} `json:"err"`
					Logs      []string    `json:"logs"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("ws message parse failed")
		return
	}

	if msg.Method == "logsNotification" {
		c.mu.Lock()
		mint, known := c.subByID[msg.Params.Subscription]
		c.mu.Unlock()
		if !known {
			return
		}
		c.handler(LogEvent{
			Mint:      mint,
			Signature: msg.Params.Result.Value.Signature,
			Failed:    msg.Params.Result.Value.Err != nil,
			Logs:      msg.Params.Result.Value.Logs,
		})
		return
	}

	if msg.ID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			if msg.Error != nil {
				close(ch)
			} else {
				ch <- msg.Result
				close(ch)
			}
		}
	}
}

// request sends one JSON-RPC request and waits for its response.
func (c *WSClient) request(method string, params []interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch

	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	err := conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s request failed", method)
		}
		return res, nil
	case <-time.After(wsRequestTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s request timed out", method)
	}
}

// Subscribe adds a logs subscription for mint. Idempotent; the mint also
// re-subscribes automatically after a reconnect.
func (c *WSClient) Subscribe(mint string) error {
	c.mu.Lock()
	c.desired[mint] = struct{}{}
	_, live := c.idByMint[mint]
	connected := c.conn != nil
	c.mu.Unlock()

	if live || !connected {
		return nil
	}
	return c.subscribeLive(mint)
}

// Unsubscribe removes the logs subscription for mint.
func (c *WSClient) Unsubscribe(mint string) {
	c.mu.Lock()
	delete(c.desired, mint)
	subID, live := c.idByMint[mint]
	if live {
		delete(c.idByMint, mint)
		delete(c.subByID, subID)
	}
	c.mu.Unlock()

	if live {
		if _, err := c.request("logsUnsubscribe", []interface{}{subID}); err != nil {
			log.Debug().Err(err).Str("mint", mint).Msg("logs unsubscribe failed")
		}
	}
}

// Subscribed returns the mints with desired subscriptions.
func (c *WSClient) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.desired))
	for m := range c.desired {
		out = append(out, m)
	}
	return out
}

func (c *WSClient) subscribeLive(mint string) error {
	res, err := c.request("logsSubscribe", []interface{}{
		map[string]interface{}{"mentions": []string{mint}},
		map[string]interface{}{"commitment": "confirmed"},
	})
	if err != nil {
		return fmt.Errorf("logs subscribe %s: %w", mint, err)
	}

	var subID uint64
	if err := json.Unmarshal(res, &subID); err != nil {
		return fmt.Errorf("parse subscription id: %w", err)
	}

	c.mu.Lock()
	c.subByID[subID] = mint
	c.idByMint[mint] = subID
	c.mu.Unlock()

	log.Info().Str("mint", mint).Uint64("subID", subID).Msg("logs subscribed")
	return nil
}

func (c *WSClient) resubscribe(ctx context.Context) {
	c.mu.Lock()
	mints := make([]string, 0, len(c.desired))
	for m := range c.desired {
		mints = append(mints, m)
	}
	c.mu.Unlock()

	for _, mint := range mints {
		if ctx.Err() != nil {
			return
		}
		if err := c.subscribeLive(mint); err != nil {
			log.Warn().Err(err).Str("mint", mint).Msg("resubscribe failed")
		}
	}
}

func (c *WSClient) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
