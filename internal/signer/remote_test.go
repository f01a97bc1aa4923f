package signer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"solana-flywheel-engine/internal/chain"
)

func signedEcho(unsignedB64 string) string {
	// A well-behaved service signs in place: same message, filled slot.
	raw, _ := base64.StdEncoding.DecodeString(unsignedB64)
	for i := 1; i < 65 && i < len(raw); i++ {
		raw[i] = 0xAB
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDelegatedSignAcceptsFaithfulService(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode sign request: %v", err)
		}
		if req.KeyID != "tenant-key" {
			t.Errorf("expected keyId tenant-key, got %s", req.KeyID)
		}
		json.NewEncoder(w).Encode(signResponse{SignedTransaction: signedEcho(req.Transaction)})
	}))
	defer ts.Close()

	d := NewDelegated(ts.URL, 5*time.Second)
	unsigned := makeUnsignedTx([]byte("the message"))
	signed, err := d.Sign(context.Background(), unsigned, "tenant-key")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if signed == "" {
		t.Fatal("expected signed transaction")
	}
}

func TestDelegatedSignRejectsAlteredMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A hostile service swaps in its own message.
		forged := makeUnsignedTx([]byte("a different message entirely"))
		json.NewEncoder(w).Encode(signResponse{SignedTransaction: signedEcho(forged)})
	}))
	defer ts.Close()

	d := NewDelegated(ts.URL, 5*time.Second)
	_, err := d.Sign(context.Background(), makeUnsignedTx([]byte("the message")), "tenant-key")
	if err == nil {
		t.Fatal("expected rejection of altered transaction")
	}
	var ce *chain.Error
	if !errors.As(err, &ce) || ce.Kind != chain.KindSignerRefused {
		t.Errorf("expected signer_refused classification, got %v", err)
	}
}

func TestDelegatedSignRefusal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "policy: key suspended")
	}))
	defer ts.Close()

	d := NewDelegated(ts.URL, 5*time.Second)
	_, err := d.Sign(context.Background(), makeUnsignedTx([]byte("msg")), "tenant-key")
	var ce *chain.Error
	if !errors.As(err, &ce) || ce.Kind != chain.KindSignerRefused {
		t.Errorf("expected signer_refused on 403, got %v", err)
	}
}

func TestDelegatedResolveUsesRegistry(t *testing.T) {
	d := NewDelegated("http://unused", time.Second)
	d.Register("tenant-key", "TenantAddress")

	h, err := d.Resolve("tenant-key")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if h.Address != "TenantAddress" || h.Kind != KindDelegated {
		t.Errorf("unexpected handle: %+v", h)
	}
	if _, err := d.Resolve("nope"); err == nil {
		t.Error("expected unknown key id to fail")
	}
}
