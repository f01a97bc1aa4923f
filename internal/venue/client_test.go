package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestQuoteRequestShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" || r.Method != "POST" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "k123" {
			t.Errorf("missing api key header, got %q", got)
		}

		var body struct {
			Mint        string `json:"mint"`
			Side        string `json:"side"`
			Amount      uint64 `json:"amount"`
			SlippageBps int    `json:"slippageBps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if body.Mint != "MintX" || body.Side != "buy" || body.Amount != 100_000_000 || body.SlippageBps != 500 {
			t.Errorf("unexpected quote request: %+v", body)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"outAmount": 123456789,
			"quote":     map[string]string{"route": "direct"},
		})
	}))
	defer ts.Close()

	b := NewBackend("curve", ts.URL, "k123", 5*time.Second)
	q, err := b.Quote(context.Background(), "MintX", Buy, 100_000_000, 500)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.OutputAmount != 123456789 || q.Mint != "MintX" || q.Side != Buy {
		t.Errorf("unexpected quote: %+v", q)
	}
	if len(q.Raw) == 0 {
		t.Error("venue quote object not captured")
	}
}

func TestBuildSwapEchoesQuoteObject(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Quote  json.RawMessage `json:"quote"`
			Signer string          `json:"signer"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if string(body.Quote) != `{"route":"direct"}` {
			t.Errorf("quote object altered in transit: %s", body.Quote)
		}
		if body.Signer != "OpsAddr" {
			t.Errorf("unexpected signer: %s", body.Signer)
		}
		json.NewEncoder(w).Encode(map[string]string{"transaction": "dW5zaWduZWQ="})
	}))
	defer ts.Close()

	b := NewBackend("pool", ts.URL, "", 5*time.Second)
	q := &Quote{Mint: "MintX", Raw: json.RawMessage(`{"route":"direct"}`)}
	tx, err := b.BuildSwap(context.Background(), q, "OpsAddr")
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if tx != "dW5zaWduZWQ=" {
		t.Errorf("unexpected transaction: %s", tx)
	}
}

func TestBuildSwapRejectsEmptyTransaction(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"transaction": ""})
	}))
	defer ts.Close()

	b := NewBackend("pool", ts.URL, "", 5*time.Second)
	if _, err := b.BuildSwap(context.Background(), &Quote{Mint: "M"}, "s"); err == nil {
		t.Error("empty transaction accepted")
	}
}

func TestBuildClaimReturnsAllSteps(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DevAddress string   `json:"devAddress"`
			Mints      []string `json:"mints"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.DevAddress != "DevAddr" || len(body.Mints) != 2 {
			t.Errorf("unexpected claim request: %+v", body)
		}
		json.NewEncoder(w).Encode(map[string][]string{"transactions": {"tx1", "tx2"}})
	}))
	defer ts.Close()

	b := NewBackend("curve", ts.URL, "", 5*time.Second)
	txs, err := b.BuildClaim(context.Background(), "DevAddr", []string{"M1", "M2"})
	if err != nil {
		t.Fatalf("BuildClaim failed: %v", err)
	}
	if len(txs) != 2 || txs[0] != "tx1" {
		t.Errorf("unexpected claim steps: %v", txs)
	}
}

func TestListClaimableEscapesAddress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/claimable/DevAddr" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"positions": []map[string]interface{}{
				{"tokenMint": "M1", "claimableSol": 0.25},
			},
		})
	}))
	defer ts.Close()

	b := NewBackend("curve", ts.URL, "", 5*time.Second)
	positions, err := b.ListClaimable(context.Background(), "DevAddr")
	if err != nil {
		t.Fatalf("ListClaimable failed: %v", err)
	}
	if len(positions) != 1 || positions[0].TokenMint != "M1" || positions[0].ClaimableSol != 0.25 {
		t.Errorf("unexpected positions: %+v", positions)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mint not found", http.StatusNotFound)
	}))
	defer ts.Close()

	b := NewBackend("curve", ts.URL, "", 5*time.Second)
	_, err := b.GetTokenMeta(context.Background(), "Missing")
	if err == nil {
		t.Fatal("expected an error for a 404")
	}
}

func metaServer(t *testing.T, hits *atomic.Int64, graduated bool, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail != nil && fail.Load() {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(TokenMeta{Mint: "MintX", Symbol: "TKN", Decimals: 6, Graduated: graduated})
	}))
}

func TestRouterForcedRoutes(t *testing.T) {
	curve := NewBackend("curve", "http://unused", "", time.Second)
	pool := NewBackend("pool", "http://unused", "", time.Second)
	r := NewRouter(curve, pool, time.Minute)

	// Forced routes never touch the network.
	api, err := r.Pick(context.Background(), "MintX", RouteCurve)
	if err != nil || api.(*Backend).Name() != "curve" {
		t.Errorf("curve route: api=%v err=%v", api, err)
	}
	api, err = r.Pick(context.Background(), "MintX", RoutePool)
	if err != nil || api.(*Backend).Name() != "pool" {
		t.Errorf("pool route: api=%v err=%v", api, err)
	}
	if _, err := r.Pick(context.Background(), "MintX", "bogus"); err == nil {
		t.Error("unknown route accepted")
	}
}

func TestRouterAutoFollowsGraduation(t *testing.T) {
	var hits atomic.Int64
	ts := metaServer(t, &hits, true, nil)
	defer ts.Close()

	curve := NewBackend("curve", ts.URL, "", time.Second)
	pool := NewBackend("pool", "http://unused", "", time.Second)
	r := NewRouter(curve, pool, time.Minute)

	api, err := r.Pick(context.Background(), "MintX", RouteAuto)
	if err != nil {
		t.Fatalf("auto pick failed: %v", err)
	}
	if api.(*Backend).Name() != "pool" {
		t.Errorf("graduated token routed to %s", api.(*Backend).Name())
	}

	// Second pick within the TTL is served from cache.
	r.Pick(context.Background(), "MintX", "")
	if hits.Load() != 1 {
		t.Errorf("expected one meta fetch, got %d", hits.Load())
	}
}

func TestRouterServesStaleMetaOnError(t *testing.T) {
	var hits atomic.Int64
	var fail atomic.Bool
	ts := metaServer(t, &hits, false, &fail)
	defer ts.Close()

	curve := NewBackend("curve", ts.URL, "", time.Second)
	pool := NewBackend("pool", "http://unused", "", time.Second)
	r := NewRouter(curve, pool, time.Millisecond) // TTL expires immediately

	meta, err := r.Meta(context.Background(), "MintX")
	if err != nil || meta.Symbol != "TKN" {
		t.Fatalf("first meta fetch: %+v, %v", meta, err)
	}

	time.Sleep(5 * time.Millisecond)
	fail.Store(true)
	meta, err = r.Meta(context.Background(), "MintX")
	if err != nil {
		t.Fatalf("stale entry not served on upstream error: %v", err)
	}
	if meta.Symbol != "TKN" {
		t.Errorf("unexpected stale meta: %+v", meta)
	}

	// With no cached entry at all, the error propagates.
	if _, err := r.Meta(context.Background(), "NeverSeen"); err == nil {
		t.Error("expected an error for an uncached mint while upstream is down")
	}
}
