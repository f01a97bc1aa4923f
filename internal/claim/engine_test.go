package claim

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"solana-flywheel-engine/internal/chain"
	"solana-flywheel-engine/internal/config"
	"solana-flywheel-engine/internal/executor"
	"solana-flywheel-engine/internal/registry"
	"solana-flywheel-engine/internal/signer"
	"solana-flywheel-engine/internal/venue"
)

var platformMint = strings.Repeat("P", 44)

type fakeClaimStore struct {
	mu     sync.Mutex
	tokens []registry.TokenWithConfig
	claims []*registry.ClaimRecord
	trades []*registry.TradeRecord
}

func (f *fakeClaimStore) ActiveTokensForClaim() ([]registry.TokenWithConfig, error) {
	return f.tokens, nil
}

func (f *fakeClaimStore) InsertClaim(c *registry.ClaimRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = int64(len(f.claims) + 1)
	f.claims = append(f.claims, c)
	return nil
}

func (f *fakeClaimStore) InsertTrade(t *registry.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = int64(len(f.trades) + 1)
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeClaimStore) UpdateTradeStatus(id int64, status, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.ID == id {
			t.Status = status
			t.Signature = signature
		}
	}
	return nil
}

type fakeLister struct {
	positions map[string][]venue.ClaimablePosition // by dev address
}

func (f *fakeLister) ListClaimable(ctx context.Context, devAddress string) ([]venue.ClaimablePosition, error) {
	return f.positions[devAddress], nil
}

// fakeClaimAPI serves claimTxs when set, a single-step claim otherwise.
type fakeClaimAPI struct {
	claimTxs []string
}

func (fakeClaimAPI) Quote(ctx context.Context, mint string, side venue.Side, inputAmount uint64, slippageBps int) (*venue.Quote, error) {
	return nil, fmt.Errorf("not used")
}
func (fakeClaimAPI) BuildSwap(ctx context.Context, quote *venue.Quote, signerAddress string) (string, error) {
	return "", fmt.Errorf("not used")
}
func (f fakeClaimAPI) BuildClaim(ctx context.Context, devAddress string, mints []string) ([]string, error) {
	if len(f.claimTxs) > 0 {
		return f.claimTxs, nil
	}
	return []string{"unsigned-claim-tx"}, nil
}
func (fakeClaimAPI) ListClaimable(ctx context.Context, devAddress string) ([]venue.ClaimablePosition, error) {
	return nil, nil
}
func (fakeClaimAPI) GetTokenMeta(ctx context.Context, mint string) (*venue.TokenMeta, error) {
	return &venue.TokenMeta{Mint: mint}, nil
}

type fakeClaimRouter struct {
	api fakeClaimAPI
}

func (f fakeClaimRouter) Claims(ctx context.Context, mint string) (venue.API, error) {
	return f.api, nil
}

type fakeChain struct {
	lamports map[string]uint64
}

func (f *fakeChain) GetLamports(ctx context.Context, address string) (uint64, error) {
	return f.lamports[address], nil
}

// fakeExec confirms everything without invoking the build closure. failFrom
// makes call numbers >= failFrom fail, to exercise the transfer-leg path.
type fakeExec struct {
	mu       sync.Mutex
	calls    int
	failFrom int
}

func (f *fakeExec) Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Opts) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.failFrom > 0 && n >= f.failFrom {
		return nil, chain.NewError(chain.KindTransient, "confirmation timeout", nil)
	}
	return &executor.Result{Signature: fmt.Sprintf("sig-%d", n), Attempts: 1}, nil
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSigner struct{}

func (fakeSigner) Sign(ctx context.Context, unsignedTxBase64, keyID string) (string, error) {
	return unsignedTxBase64, nil
}

func (fakeSigner) Resolve(keyID string) (signer.KeyHandle, error) {
	return signer.KeyHandle{KeyID: keyID, Address: "addr-" + keyID, Kind: signer.KindLocal}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []struct {
		channel string
		data    interface{}
	}
}

func (f *fakeNotifier) Publish(channel string, data interface{}) {
	f.mu.Lock()
	f.events = append(f.events, struct {
		channel string
		data    interface{}
	}{channel, data})
	f.mu.Unlock()
}

func (f *fakeNotifier) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.channel == channel {
			n++
		}
	}
	return n
}

func testManager(t *testing.T) *config.Manager {
	t.Helper()
	t.Setenv("RPC_URL", "https://rpc.example")
	t.Setenv("RPC_WS_URL", "wss://rpc.example")
	t.Setenv("PLATFORM_OPS_ADDRESS", "PlatformOpsAddress")
	t.Setenv("PLATFORM_TOKEN_MINT", platformMint)
	t.Setenv("FAST_CLAIM_BATCH_DELAY_MS", "0")
	m, err := config.NewManager("")
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	return m
}

func claimToken(id, mint string) registry.TokenWithConfig {
	cfg := registry.TokenConfig{TokenID: id, AutoClaim: true}
	cfg.ApplyDefaults()
	return registry.TokenWithConfig{
		Token: registry.Token{
			ID: id, Mint: mint, Symbol: "TKN", Decimals: 9,
			DevKeyID: "dev-" + id, OpsKeyID: "ops-" + id, Active: true,
		},
		Config: cfg,
	}
}

func newTestEngine(t *testing.T, store *fakeClaimStore, lister *fakeLister, rpc *fakeChain, exec *fakeExec) (*Engine, *fakeNotifier) {
	return newTestEngineWithRouter(t, store, lister, rpc, exec, fakeClaimRouter{})
}

func newTestEngineWithRouter(t *testing.T, store *fakeClaimStore, lister *fakeLister, rpc *fakeChain, exec *fakeExec, router fakeClaimRouter) (*Engine, *fakeNotifier) {
	t.Helper()
	notify := &fakeNotifier{}
	e := New(store, lister, router, rpc, chain.NewTransferBuilder(nil), exec,
		fakeSigner{}, notify, testManager(t), func() bool { return true })
	return e, notify
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestClaimSplitsPlatformFeeAndUserNet(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", "MintT1")}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: "MintT1", ClaimableSol: 1.0}},
	}}
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 100_000_000}}
	exec := &fakeExec{}

	e, _ := newTestEngine(t, store, lister, rpc, exec)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(store.claims) != 1 {
		t.Fatalf("expected 1 claim record, got %d", len(store.claims))
	}
	rec := store.claims[0]
	// 1.0 gross, 0.1 dev reserve, 10% platform fee on the 0.9 transferable.
	if !approx(rec.GrossSol, 1.0) || !approx(rec.PlatformFee, 0.09) || !approx(rec.UserNet, 0.81) {
		t.Errorf("unexpected split: gross=%v fee=%v net=%v", rec.GrossSol, rec.PlatformFee, rec.UserNet)
	}

	// One claim execution plus two transfer legs.
	if exec.callCount() != 3 {
		t.Fatalf("expected 3 executions, got %d", exec.callCount())
	}
	if len(store.trades) != 2 {
		t.Fatalf("expected 2 transfer records, got %d", len(store.trades))
	}
	for _, tr := range store.trades {
		if tr.Kind != registry.TradeTransfer || tr.Status != registry.StatusConfirmed {
			t.Errorf("unexpected transfer record: %+v", tr)
		}
	}
	if !approx(store.trades[0].SolAmount, 0.09) || !approx(store.trades[1].SolAmount, 0.81) {
		t.Errorf("unexpected leg amounts: %v, %v", store.trades[0].SolAmount, store.trades[1].SolAmount)
	}
}

func TestPlatformTokenExemptFromFee(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", platformMint)}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: platformMint, ClaimableSol: 1.0}},
	}}
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 100_000_000}}
	exec := &fakeExec{}

	e, _ := newTestEngine(t, store, lister, rpc, exec)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(store.claims) != 1 {
		t.Fatalf("expected 1 claim record, got %d", len(store.claims))
	}
	rec := store.claims[0]
	if !approx(rec.PlatformFee, 0) || !approx(rec.UserNet, 0.9) {
		t.Errorf("platform token must be fee-exempt: fee=%v net=%v", rec.PlatformFee, rec.UserNet)
	}

	// Claim plus a single user transfer leg.
	if len(store.trades) != 1 {
		t.Fatalf("expected 1 transfer record, got %d", len(store.trades))
	}
	if !approx(store.trades[0].SolAmount, 0.9) {
		t.Errorf("expected full 0.9 to user, got %v", store.trades[0].SolAmount)
	}
}

func TestClaimSkipsBelowThreshold(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", "MintT1")}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: "MintT1", ClaimableSol: 0.10}},
	}}
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 100_000_000}}
	exec := &fakeExec{}

	e, _ := newTestEngine(t, store, lister, rpc, exec)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if exec.callCount() != 0 {
		t.Errorf("position below threshold must not claim, got %d executions", exec.callCount())
	}
}

func TestClaimSkipsWhenDevBelowFeeReserve(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", "MintT1")}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: "MintT1", ClaimableSol: 1.0}},
	}}
	// 0.01 SOL on the dev key, below the 0.03 reserve.
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 10_000_000}}
	exec := &fakeExec{}

	e, _ := newTestEngine(t, store, lister, rpc, exec)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if exec.callCount() != 0 {
		t.Errorf("dev below fee reserve must not claim, got %d executions", exec.callCount())
	}
}

func TestMultiStepClaimExecutesEveryStep(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", "MintT1")}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: "MintT1", ClaimableSol: 1.0}},
	}}
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 100_000_000}}
	exec := &fakeExec{}
	router := fakeClaimRouter{api: fakeClaimAPI{claimTxs: []string{"step-1", "step-2", "step-3"}}}

	e, _ := newTestEngineWithRouter(t, store, lister, rpc, exec, router)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	// Three claim steps plus two transfer legs.
	if exec.callCount() != 5 {
		t.Fatalf("expected 5 executions, got %d", exec.callCount())
	}
	if len(store.claims) != 1 {
		t.Fatalf("expected 1 claim record, got %d", len(store.claims))
	}
	// The record carries the sweep signature, which is the first step's.
	if store.claims[0].Signature != "sig-1" {
		t.Errorf("expected the sweep signature, got %s", store.claims[0].Signature)
	}
}

func TestMultiStepClaimAbortsOnFailedStep(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", "MintT1")}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: "MintT1", ClaimableSol: 1.0}},
	}}
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 100_000_000}}
	// Step 1 confirms, step 2 fails: steps 3+ and the transfers never run.
	exec := &fakeExec{failFrom: 2}
	router := fakeClaimRouter{api: fakeClaimAPI{claimTxs: []string{"step-1", "step-2", "step-3"}}}

	e, _ := newTestEngineWithRouter(t, store, lister, rpc, exec, router)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if exec.callCount() != 2 {
		t.Fatalf("expected the sequence to stop at the failed step, got %d executions", exec.callCount())
	}
	if len(store.claims) != 0 {
		t.Errorf("incomplete claim must not be recorded, got %d records", len(store.claims))
	}
	if len(store.trades) != 0 {
		t.Errorf("transfers must not run after an aborted claim, got %d", len(store.trades))
	}
}

func TestFailedTransferLegIsRecordedAndAlerted(t *testing.T) {
	store := &fakeClaimStore{tokens: []registry.TokenWithConfig{claimToken("t1", "MintT1")}}
	lister := &fakeLister{positions: map[string][]venue.ClaimablePosition{
		"addr-dev-t1": {{TokenMint: "MintT1", ClaimableSol: 1.0}},
	}}
	rpc := &fakeChain{lamports: map[string]uint64{"addr-dev-t1": 100_000_000}}
	// Claim succeeds, both transfer legs fail.
	exec := &fakeExec{failFrom: 2}

	e, notify := newTestEngine(t, store, lister, rpc, exec)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	// The claim is still recorded; failed legs never roll it back.
	if len(store.claims) != 1 {
		t.Fatalf("expected claim record despite failed legs, got %d", len(store.claims))
	}
	if len(store.trades) != 2 {
		t.Fatalf("expected both legs recorded, got %d", len(store.trades))
	}
	for _, tr := range store.trades {
		if tr.Status != registry.StatusFailed {
			t.Errorf("expected failed leg, got %+v", tr)
		}
	}
	if notify.count("logs") != 2 {
		t.Errorf("expected 2 alerts on the logs channel, got %d", notify.count("logs"))
	}
}
