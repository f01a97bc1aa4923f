package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wireEnvelope struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
	IsAdmin bool        `json:"isAdmin"`
	Ts      int64       `json:"ts"`
}

func newTestHub(t *testing.T, verifier Verifier) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(verifier)
	ts := httptest.NewServer(http.HandlerFunc(hub.Handler))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, ts
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	var env wireEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return env
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{Token: "secret"}

	id, err := v.Verify(context.Background(), "secret")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if !id.IsAdmin {
		t.Error("static verifier identity should be admin")
	}

	if _, err := v.Verify(context.Background(), "wrong"); err == nil {
		t.Error("wrong token accepted")
	}
	// An empty configured token accepts nothing, including the empty string.
	if _, err := (StaticVerifier{}).Verify(context.Background(), ""); err == nil {
		t.Error("unconfigured verifier accepted a connection")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "wrong")

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("expected policy-violation close, got %v", err)
	}
}

func TestHandshakeTokenInQuery(t *testing.T) {
	_, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "secret")

	env := readEnvelope(t, conn)
	if env.Type != "auth_success" || !env.IsAdmin {
		t.Errorf("unexpected handshake reply: %+v", env)
	}
}

func TestHandshakeTokenInFirstMessage(t *testing.T) {
	_, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "")

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": "secret"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != "auth_success" {
		t.Errorf("unexpected handshake reply: %+v", env)
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	hub, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "secret")
	readEnvelope(t, conn) // auth_success

	err := conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChanTransactions, "no_such_channel"},
	})
	if err != nil {
		t.Fatalf("subscribe write failed: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v", env)
	}

	hub.Publish(ChanTransactions, map[string]string{"signature": "abc"})
	env := readEnvelope(t, conn)
	if env.Type != "event" || env.Channel != ChanTransactions {
		t.Fatalf("unexpected event: %+v", env)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok || data["signature"] != "abc" {
		t.Errorf("payload lost in fan-out: %+v", env.Data)
	}

	// Channels the client never subscribed to stay silent: the next frame
	// after an unrelated publish is still the transactions event.
	hub.Publish(ChanBalanceUpdates, map[string]string{"mint": "X"})
	hub.Publish(ChanTransactions, map[string]string{"signature": "def"})
	env = readEnvelope(t, conn)
	if env.Channel != ChanTransactions {
		t.Errorf("received a channel without a subscription: %+v", env)
	}
}

func TestPublishUnknownChannelIsNoop(t *testing.T) {
	hub, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "secret")
	readEnvelope(t, conn)

	conn.WriteJSON(map[string]interface{}{"type": "subscribe", "channels": []string{ChanTransactions}})
	readEnvelope(t, conn)

	hub.Publish("made_up", "x")
	hub.Publish(ChanTransactions, "real")
	if env := readEnvelope(t, conn); env.Data != "real" {
		t.Errorf("unknown-channel publish leaked: %+v", env)
	}
}

// roleVerifier issues admin and read-only identities from distinct tokens.
type roleVerifier struct{}

func (roleVerifier) Verify(_ context.Context, token string) (Identity, error) {
	switch token {
	case "admin-token":
		return Identity{ID: "admin", IsAdmin: true}, nil
	case "viewer-token":
		return Identity{ID: "viewer", IsAdmin: false}, nil
	}
	return Identity{}, ErrUnauthorized
}

func TestAdminChannelsGated(t *testing.T) {
	hub, ts := newTestHub(t, roleVerifier{})
	conn := dial(t, ts, "viewer-token")
	if env := readEnvelope(t, conn); env.IsAdmin {
		t.Fatal("viewer reported as admin")
	}

	conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChanLogs, ChanTransactions},
	})
	env := readEnvelope(t, conn)
	if env.Type != "error" || env.Channel != ChanLogs || env.Data != "forbidden" {
		t.Fatalf("expected forbidden reply for the logs channel, got %+v", env)
	}
	if env = readEnvelope(t, conn); env.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v", env)
	}

	// The role check runs again at publish: even if logs had slipped into the
	// subscription set, the viewer receives only the public channel.
	hub.Publish(ChanLogs, "secret line")
	hub.Publish(ChanTransactions, "public")
	if env = readEnvelope(t, conn); env.Channel != ChanTransactions {
		t.Errorf("admin channel leaked to viewer: %+v", env)
	}
}

func TestPingPong(t *testing.T) {
	_, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "secret")
	readEnvelope(t, conn)

	conn.WriteJSON(map[string]string{"type": "ping"})
	env := readEnvelope(t, conn)
	if env.Type != "pong" || env.Ts == 0 {
		t.Errorf("unexpected ping reply: %+v", env)
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub, ts := newTestHub(t, StaticVerifier{Token: "secret"})

	conns := []*websocket.Conn{dial(t, ts, "secret"), dial(t, ts, "secret")}
	for _, conn := range conns {
		readEnvelope(t, conn)
		conn.WriteJSON(map[string]interface{}{"type": "subscribe", "channels": []string{ChanJobStatus}})
		readEnvelope(t, conn)
	}
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Publish(ChanJobStatus, "tick")
	for i, conn := range conns {
		if env := readEnvelope(t, conn); env.Channel != ChanJobStatus || env.Data != "tick" {
			t.Errorf("client %d missed the event: %+v", i, env)
		}
	}
}

func TestCloseDropsClients(t *testing.T) {
	hub, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "secret")
	readEnvelope(t, conn)

	hub.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to drop after Close")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients still registered after Close: %d", hub.ClientCount())
	}
}

func TestSendToDroppedClientIsDiscarded(t *testing.T) {
	hub, ts := newTestHub(t, StaticVerifier{Token: "secret"})
	conn := dial(t, ts, "secret")
	readEnvelope(t, conn)
	conn.WriteJSON(map[string]interface{}{"type": "subscribe", "channels": []string{ChanTransactions}})
	readEnvelope(t, conn)

	hub.mu.RLock()
	var c *client
	for _, cl := range hub.clients {
		c = cl
	}
	hub.mu.RUnlock()
	if c == nil {
		t.Fatal("no registered client")
	}

	// Publishers racing the reaper's drop must never hit a closed channel.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			hub.Publish(ChanTransactions, i)
		}
	}()
	hub.drop(c)
	wg.Wait()

	// Direct sends after the drop are discarded, not panicking.
	c.trySend(&Envelope{Type: "event", Channel: ChanTransactions, Data: "late"})
	if hub.ClientCount() != 0 {
		t.Errorf("dropped client still registered: %d", hub.ClientCount())
	}
}
