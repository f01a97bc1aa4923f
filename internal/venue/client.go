// Package venue talks to the token launch venue's HTTP API: quotes, swap and
// claim transaction building, claimable fee positions, and token metadata.
// Two backends share one client core: the bonding-curve venue serves tokens
// before graduation, the pool venue after.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Side of a swap from the engine's perspective.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Quote is a priced swap. Raw carries the venue's full quote object and is
// passed back verbatim when building the swap transaction.
type Quote struct {
	Mint         string
	Side         Side
	InputAmount  uint64
	OutputAmount uint64
	SlippageBps  int
	Raw          json.RawMessage
}

// ClaimablePosition is an accrued creator-fee position on a dev address.
type ClaimablePosition struct {
	TokenMint    string  `json:"tokenMint"`
	ClaimableSol float64 `json:"claimableSol"`
}

// TokenMeta is venue-side token metadata.
type TokenMeta struct {
	Mint      string `json:"mint"`
	Symbol    string `json:"symbol"`
	Decimals  int    `json:"decimals"`
	Graduated bool   `json:"graduated"`
}

// API is the surface both backends expose.
type API interface {
	Quote(ctx context.Context, mint string, side Side, inputAmount uint64, slippageBps int) (*Quote, error)
	BuildSwap(ctx context.Context, quote *Quote, signerAddress string) (string, error)
	BuildClaim(ctx context.Context, devAddress string, mints []string) ([]string, error)
	ListClaimable(ctx context.Context, devAddress string) ([]ClaimablePosition, error)
	GetTokenMeta(ctx context.Context, mint string) (*TokenMeta, error)
}

// httpPool provides round-robin HTTP/2 connection pooling.
type httpPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

func newHTTPPool(size int, timeout time.Duration) *httpPool {
	pool := &httpPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	return pool
}

func (p *httpPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// Backend is one venue backend (curve or pool) over its base URL.
type Backend struct {
	name    string
	baseURL string
	apiKey  string
	pool    *httpPool
}

// NewBackend creates a venue backend client.
func NewBackend(name, baseURL, apiKey string, timeout time.Duration) *Backend {
	return &Backend{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		pool:    newHTTPPool(4, timeout),
	}
}

// Name returns the backend's name ("curve" or "pool").
func (b *Backend) Name() string { return b.name }

// Quote fetches a priced swap for the given side and input amount.
func (b *Backend) Quote(ctx context.Context, mint string, side Side, inputAmount uint64, slippageBps int) (*Quote, error) {
	reqBody := map[string]interface{}{
		"mint":        mint,
		"side":        string(side),
		"amount":      inputAmount,
		"slippageBps": slippageBps,
	}

	var resp struct {
		OutAmount uint64          `json:"outAmount"`
		Quote     json.RawMessage `json:"quote"`
	}
	if err := b.post(ctx, "/quote", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("quote %s: %w", mint, err)
	}

	return &Quote{
		Mint:         mint,
		Side:         side,
		InputAmount:  inputAmount,
		OutputAmount: resp.OutAmount,
		SlippageBps:  slippageBps,
		Raw:          resp.Quote,
	}, nil
}

// BuildSwap asks the venue to assemble an unsigned swap transaction for a
// previously fetched quote.
func (b *Backend) BuildSwap(ctx context.Context, quote *Quote, signerAddress string) (string, error) {
	reqBody := map[string]interface{}{
		"quote":  quote.Raw,
		"signer": signerAddress,
	}

	var resp struct {
		Transaction string `json:"transaction"`
	}
	if err := b.post(ctx, "/swap", reqBody, &resp); err != nil {
		return "", fmt.Errorf("build swap %s: %w", quote.Mint, err)
	}
	if resp.Transaction == "" {
		return "", fmt.Errorf("build swap %s: empty transaction", quote.Mint)
	}
	return resp.Transaction, nil
}

// BuildClaim asks the venue for the unsigned transactions that sweep accrued
// creator fees for mints from devAddress. A claim may take multiple on-chain
// steps, so more than one transaction can come back.
func (b *Backend) BuildClaim(ctx context.Context, devAddress string, mints []string) ([]string, error) {
	reqBody := map[string]interface{}{
		"devAddress": devAddress,
		"mints":      mints,
	}

	var resp struct {
		Transactions []string `json:"transactions"`
	}
	if err := b.post(ctx, "/claim", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("build claim %s: %w", devAddress, err)
	}
	return resp.Transactions, nil
}

// ListClaimable lists accrued creator-fee positions on devAddress.
func (b *Backend) ListClaimable(ctx context.Context, devAddress string) ([]ClaimablePosition, error) {
	var resp struct {
		Positions []ClaimablePosition `json:"positions"`
	}
	if err := b.get(ctx, "/claimable/"+url.PathEscape(devAddress), &resp); err != nil {
		return nil, fmt.Errorf("list claimable %s: %w", devAddress, err)
	}
	return resp.Positions, nil
}

// GetTokenMeta fetches venue metadata for a mint.
func (b *Backend) GetTokenMeta(ctx context.Context, mint string) (*TokenMeta, error) {
	var meta TokenMeta
	if err := b.get(ctx, "/token/"+url.PathEscape(mint), &meta); err != nil {
		return nil, fmt.Errorf("token meta %s: %w", mint, err)
	}
	return &meta, nil
}

func (b *Backend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return b.do(req, result)
}

func (b *Backend) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, result)
}

func (b *Backend) do(req *http.Request, result interface{}) error {
	start := time.Now()
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("x-api-key", b.apiKey)
	}

	resp, err := b.pool.Get().Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("venue status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	log.Debug().
		Str("venue", b.name).
		Str("path", req.URL.Path).
		Dur("latency", time.Since(start)).
		Msg("venue call")
	return nil
}
