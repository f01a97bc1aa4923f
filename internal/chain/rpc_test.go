package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetLamports(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Method != "getBalance" {
			t.Errorf("expected method getBalance, got %s", req.Method)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":1500000000},"id":1}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", "test-key")
	lamports, err := client.GetLamports(context.Background(), "SomeAddress")
	if err != nil {
		t.Fatalf("GetLamports failed: %v", err)
	}
	if lamports != 1500000000 {
		t.Errorf("expected 1500000000 lamports, got %d", lamports)
	}
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	fallbackHits := 0
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits++
		fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":42},"id":1}`)
	}))
	defer fallback.Close()

	client := NewClient(primary.URL, fallback.URL, "")
	lamports, err := client.GetLamports(context.Background(), "SomeAddress")
	if err != nil {
		t.Fatalf("expected fallback to answer, got error: %v", err)
	}
	if lamports != 42 {
		t.Errorf("expected 42 lamports from fallback, got %d", lamports)
	}
	if fallbackHits != 1 {
		t.Errorf("expected 1 fallback hit, got %d", fallbackHits)
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	primaryHits := 0
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":1},"id":1}`)
	}))
	defer fallback.Close()

	client := NewClient(primary.URL, fallback.URL, "")

	// Five failures open the circuit; subsequent calls skip the primary.
	for i := 0; i < 5; i++ {
		if _, err := client.GetLamports(context.Background(), "Addr"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	hitsBefore := primaryHits

	for i := 0; i < 3; i++ {
		if _, err := client.GetLamports(context.Background(), "Addr"); err != nil {
			t.Fatalf("post-open call %d failed: %v", i, err)
		}
	}
	if primaryHits != hitsBefore {
		t.Errorf("expected primary to be skipped while circuit open, got %d extra hits", primaryHits-hitsBefore)
	}
}

func TestGetSignatureStatus(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     SigState
		reason   bool
	}{
		{
			name:     "confirmed",
			response: `{"jsonrpc":"2.0","result":{"value":[{"slot":100,"err":null,"confirmationStatus":"confirmed"}]},"id":1}`,
			want:     SigConfirmed,
		},
		{
			name:     "finalized",
			response: `{"jsonrpc":"2.0","result":{"value":[{"slot":100,"err":null,"confirmationStatus":"finalized"}]},"id":1}`,
			want:     SigFinalized,
		},
		{
			name:     "failed with program error",
			response: `{"jsonrpc":"2.0","result":{"value":[{"slot":100,"err":{"InstructionError":[0,{"Custom":6001}]},"confirmationStatus":"confirmed"}]},"id":1}`,
			want:     SigFailed,
			reason:   true,
		},
		{
			name:     "not found",
			response: `{"jsonrpc":"2.0","result":{"value":[null]},"id":1}`,
			want:     SigNotFound,
		},
		{
			name:     "processed maps to pending",
			response: `{"jsonrpc":"2.0","result":{"value":[{"slot":100,"err":null,"confirmationStatus":"processed"}]},"id":1}`,
			want:     SigPending,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.response)
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "", "")
			status, err := client.GetSignatureStatus(context.Background(), "sig")
			if err != nil {
				t.Fatalf("GetSignatureStatus failed: %v", err)
			}
			if status.State != tc.want {
				t.Errorf("expected state %s, got %s", tc.want, status.State)
			}
			if tc.reason && status.FailureReason == "" {
				t.Error("expected failure reason to carry the program error")
			}
		})
	}
}

func TestGetTransactionNotYetAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","result":null,"id":1}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", "")
	tx, err := client.GetTransaction(context.Background(), "sig")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx != nil {
		t.Errorf("expected nil tx for null result, got %+v", tx)
	}
}

func TestGetTransactionParsesBalances(t *testing.T) {
	response := `{"jsonrpc":"2.0","result":{
		"slot": 200,
		"transaction": {"message": {"accountKeys": [{"pubkey":"Payer"},{"pubkey":"Pool"}]}},
		"meta": {
			"err": null,
			"preBalances": [5000000000, 1000000000],
			"postBalances": [3000000000, 3000000000],
			"preTokenBalances": [{"accountIndex":1,"mint":"Mint1","owner":"Payer","uiTokenAmount":{"amount":"100"}}],
			"postTokenBalances": [{"accountIndex":1,"mint":"Mint1","owner":"Payer","uiTokenAmount":{"amount":"900"}}]
		}
	},"id":1}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, response)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", "")
	tx, err := client.GetTransaction(context.Background(), "sig")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.Failed {
		t.Error("expected tx not failed")
	}
	if tx.FeePayer() != "Payer" {
		t.Errorf("expected fee payer Payer, got %s", tx.FeePayer())
	}
	if len(tx.PreBalances) != 2 || tx.PreBalances[0] != 5000000000 {
		t.Errorf("unexpected pre balances: %v", tx.PreBalances)
	}
	if len(tx.PostTokenBalances) != 1 || tx.PostTokenBalances[0].Amount != 900 {
		t.Errorf("unexpected post token balances: %v", tx.PostTokenBalances)
	}
}
