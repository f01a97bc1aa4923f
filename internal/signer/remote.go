package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/chain"
)

// Delegated signs via the remote custodial signing service. The service owns
// the private keys; this client only moves unsigned bytes out and validates
// what comes back.
type Delegated struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	handles map[string]KeyHandle
}

type signRequest struct {
	KeyID       string `json:"keyId"`
	Transaction string `json:"transaction"`
	Context     string `json:"context,omitempty"`
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction"`
	Error             string `json:"error,omitempty"`
}

// NewDelegated creates a delegated signer client.
func NewDelegated(baseURL string, timeout time.Duration) *Delegated {
	return &Delegated{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		handles:    make(map[string]KeyHandle),
	}
}

// Register associates a keyID with its on-chain address so Resolve works
// without a network round-trip.
func (d *Delegated) Register(keyID, address string) {
	d.mu.Lock()
	d.handles[keyID] = KeyHandle{KeyID: keyID, Address: address, Kind: KindDelegated}
	d.mu.Unlock()
}

// Resolve returns the handle for keyID.
func (d *Delegated) Resolve(keyID string) (KeyHandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[keyID]
	if !ok {
		return KeyHandle{}, fmt.Errorf("unknown key id: %s", keyID)
	}
	return h, nil
}

// Sign sends the unsigned transaction to the signing service and validates
// that the returned artifact carries the exact message that was sent: same
// fee payer, same recent blockhash, same instruction set. A service that
// rewrites any of those is refused.
func (d *Delegated) Sign(ctx context.Context, unsignedTxBase64, keyID string) (string, error) {
	body, err := json.Marshal(signRequest{KeyID: keyID, Transaction: unsignedTxBase64})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", chain.NewError(chain.KindNetworkUnreachable, "signer unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		respBody, _ := io.ReadAll(resp.Body)
		return "", chain.NewError(chain.KindSignerRefused, string(respBody), nil)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("signer status %d: %s", resp.StatusCode, string(respBody))
	}

	var signResp signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signResp); err != nil {
		return "", fmt.Errorf("decode sign response: %w", err)
	}
	if signResp.Error != "" {
		return "", chain.NewError(chain.KindSignerRefused, signResp.Error, nil)
	}

	if err := d.validate(unsignedTxBase64, signResp.SignedTransaction); err != nil {
		log.Error().Err(err).Str("keyId", keyID).Msg("delegated signer returned altered transaction")
		return "", chain.NewError(chain.KindSignerRefused, "returned transaction altered", err)
	}

	return signResp.SignedTransaction, nil
}

// validate rejects signed artifacts whose message differs from what was sent.
// The message bytes cover fee payer, blockhash, and instructions, so a single
// byte comparison enforces all three.
func (d *Delegated) validate(sentB64, receivedB64 string) error {
	sentMsg, err := messageOf(sentB64)
	if err != nil {
		return fmt.Errorf("parse sent transaction: %w", err)
	}
	recvMsg, err := messageOf(receivedB64)
	if err != nil {
		return fmt.Errorf("parse returned transaction: %w", err)
	}
	if !bytes.Equal(sentMsg, recvMsg) {
		return fmt.Errorf("message mismatch: sent %d bytes, received %d bytes", len(sentMsg), len(recvMsg))
	}
	return nil
}
