package reactive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/balance"
	"solana-flywheel-engine/internal/chain"
	"solana-flywheel-engine/internal/config"
	"solana-flywheel-engine/internal/executor"
	"solana-flywheel-engine/internal/flywheel"
	"solana-flywheel-engine/internal/registry"
	"solana-flywheel-engine/internal/signer"
	"solana-flywheel-engine/internal/venue"
)

// ammPrograms is the allow-list of venue/AMM program ids whose swaps the
// engine mirrors. A log payload must mention at least one.
var ammPrograms = []string{
	"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P", // launch curve
	"pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA", // launch AMM
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", // Raydium AMM v4
	"CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK", // Raydium CLMM
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc",  // Orca Whirlpool
}

// Store is the registry surface the engine needs.
type Store interface {
	ReactiveTokens() ([]registry.TokenWithConfig, error)
}

// TxFetcher fetches parsed transactions.
type TxFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*chain.ParsedTx, error)
}

// Submitter runs the counter-trade through the shared execution path.
type Submitter interface {
	ExecuteExternal(ctx context.Context, tok registry.TokenWithConfig, side venue.Side, solAmount, tokenAmount float64, source string) (*executor.Result, error)
}

// Balances is the cache surface the engine needs.
type Balances interface {
	Get(address, mint string) (balance.Entry, bool)
}

// Notifier publishes engine events to the admin bus.
type Notifier interface {
	Publish(channel string, data interface{})
}

// Engine owns the upstream subscription set and the per-message pipeline.
type Engine struct {
	store    Store
	fetcher  TxFetcher
	submit   Submitter
	balances Balances
	signer   signer.Signer
	notify   Notifier
	cfg      *config.Manager

	ws *WSClient

	// Dedup set, mutated only on the websocket reader goroutine.
	seen      map[string]struct{}
	seenOrder []string

	mu        sync.Mutex
	tokens    map[string]registry.TokenWithConfig // by mint
	lastFired map[string]time.Time                // by mint

	runCtx context.Context
}

// New creates a reactive engine against wsURL.
func New(wsURL string, store Store, fetcher TxFetcher, submit Submitter, balances Balances, s signer.Signer, notify Notifier, cfg *config.Manager) *Engine {
	e := &Engine{
		store:     store,
		fetcher:   fetcher,
		submit:    submit,
		balances:  balances,
		signer:    s,
		notify:    notify,
		cfg:       cfg,
		seen:      make(map[string]struct{}),
		tokens:    make(map[string]registry.TokenWithConfig),
		lastFired: make(map[string]time.Time),
	}
	e.ws = NewWSClient(wsURL, e.handleEvent)
	return e
}

// Run is the continuous reactive job: it owns the websocket lifecycle and a
// periodic reconciler that diffs the active-token set against subscriptions.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.ws.Start(ctx)
	defer e.ws.Stop()

	reconcile := time.Duration(e.cfg.Get().Reactive.ReconcileSeconds) * time.Second
	if reconcile <= 0 {
		reconcile = 60 * time.Second
	}

	e.reconcile(ctx)
	ticker := time.NewTicker(reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

// reconcile subscribes new reactive tokens and unsubscribes removed ones.
func (e *Engine) reconcile(ctx context.Context) {
	tokens, err := e.store.ReactiveTokens()
	if err != nil {
		log.Error().Err(err).Msg("load reactive tokens failed")
		return
	}

	want := make(map[string]registry.TokenWithConfig, len(tokens))
	for _, tok := range tokens {
		want[tok.Token.Mint] = tok
	}

	e.mu.Lock()
	e.tokens = want
	e.mu.Unlock()

	for _, mint := range e.ws.Subscribed() {
		if _, ok := want[mint]; !ok {
			e.ws.Unsubscribe(mint)
			log.Info().Str("mint", mint).Msg("reactive unsubscribed")
		}
	}
	for mint := range want {
		if err := e.ws.Subscribe(mint); err != nil {
			log.Warn().Err(err).Str("mint", mint).Msg("reactive subscribe failed")
		}
	}
}

// handleEvent runs on the websocket reader goroutine: cheap filters and dedup
// here, everything that blocks in a spawned worker.
func (e *Engine) handleEvent(ev LogEvent) {
	if ev.Failed || ev.Signature == "" {
		return
	}
	if !mentionsAMM(ev.Logs) {
		return
	}
	if e.dedup(ev.Signature) {
		return
	}
	go e.process(ev)
}

// dedup records the signature and reports whether it was already seen. At the
// cap the oldest half is evicted.
func (e *Engine) dedup(sig string) bool {
	if _, dup := e.seen[sig]; dup {
		return true
	}
	e.seen[sig] = struct{}{}
	e.seenOrder = append(e.seenOrder, sig)

	max := e.cfg.Get().Reactive.DedupMaxSignatures
	if max <= 0 {
		max = 2000
	}
	if len(e.seenOrder) >= max {
		half := len(e.seenOrder) / 2
		for _, old := range e.seenOrder[:half] {
			delete(e.seen, old)
		}
		e.seenOrder = append([]string(nil), e.seenOrder[half:]...)
	}
	return false
}

func mentionsAMM(logs []string) bool {
	for _, line := range logs {
		for _, prog := range ammPrograms {
			if strings.Contains(line, prog) {
				return true
			}
		}
	}
	return false
}

// process runs the blocking tail of the pipeline for one external swap.
func (e *Engine) process(ev LogEvent) {
	ctx := e.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	cfg := e.cfg.Get()
	settle := time.Duration(cfg.Reactive.SettleDelayMs) * time.Millisecond
	select {
	case <-ctx.Done():
		return
	case <-time.After(settle):
	}

	tx, err := e.fetcher.GetTransaction(ctx, ev.Signature)
	if err != nil || tx == nil || tx.Failed {
		return
	}

	e.mu.Lock()
	tok, known := e.tokens[ev.Mint]
	e.mu.Unlock()
	if !known {
		return
	}

	ops, err := e.signer.Resolve(tok.Token.OpsKeyID)
	if err != nil {
		return
	}
	devAddr := ""
	if dev, err := e.signer.Resolve(tok.Token.DevKeyID); err == nil {
		devAddr = dev.Address
	}

	// Never mirror our own transactions.
	feePayer := tx.FeePayer()
	if feePayer == ops.Address || (devAddr != "" && feePayer == devAddr) {
		return
	}

	side, solAmount, ok := extractSwap(tx, ev.Mint)
	if !ok || solAmount < tok.Config.Reactive.MinTriggerSol {
		return
	}

	cooldown := time.Duration(tok.Config.Reactive.CooldownMs) * time.Millisecond
	e.mu.Lock()
	if last, fired := e.lastFired[ev.Mint]; fired && time.Since(last) < cooldown {
		e.mu.Unlock()
		log.Debug().Str("mint", ev.Mint).Msg("reactive cooldown, event dropped")
		return
	}
	e.lastFired[ev.Mint] = time.Now()
	e.mu.Unlock()

	pct := tok.Config.Reactive.ScalePercentPerSol * solAmount
	if pct > tok.Config.Reactive.MaxResponsePercent {
		pct = tok.Config.Reactive.MaxResponsePercent
	}

	var buySol, sellTokens float64
	switch side {
	case venue.Sell:
		bal, ok := e.balances.Get(ops.Address, tok.Token.Mint)
		if !ok || bal.Amount <= 0 {
			return
		}
		sellTokens = bal.Amount * pct / 100
		if tok.Config.MaxSellTokens > 0 && sellTokens > tok.Config.MaxSellTokens {
			sellTokens = tok.Config.MaxSellTokens
		}
		if sellTokens <= 0 {
			return
		}
	case venue.Buy:
		bal, ok := e.balances.Get(ops.Address, "")
		if !ok || bal.Amount <= 0 {
			return
		}
		buySol = bal.Amount * pct / 100
		if buySol < tok.Config.MinBuySol {
			buySol = tok.Config.MinBuySol
		}
		if buySol > tok.Config.MaxBuySol {
			buySol = tok.Config.MaxBuySol
		}
	}

	e.publish("reactive_events", map[string]interface{}{
		"mint": ev.Mint, "trigger": ev.Signature, "observedSol": solAmount,
		"side": string(side), "responsePct": pct,
	})
	log.Info().
		Str("mint", ev.Mint).
		Str("side", string(side)).
		Float64("observedSol", solAmount).
		Float64("pct", pct).
		Msg("reactive counter-trade")

	_, err = e.submit.ExecuteExternal(ctx, tok, side, buySol, sellTokens, registry.SourceReactive)
	if err != nil {
		if errors.Is(err, flywheel.ErrTokenBusy) {
			log.Debug().Str("mint", ev.Mint).Msg("token busy, reactive trade dropped")
			return
		}
		log.Warn().Err(err).Str("mint", ev.Mint).Msg("reactive trade failed")
	}
}

// extractSwap infers the trader's side and SOL size from balance deltas. The
// engine takes the opposite side.
func extractSwap(tx *chain.ParsedTx, mint string) (venue.Side, float64, bool) {
	if len(tx.PreBalances) == 0 || len(tx.PostBalances) != len(tx.PreBalances) {
		return "", 0, false
	}

	feePayer := tx.FeePayer()
	deltaSol := int64(tx.PostBalances[0]) - int64(tx.PreBalances[0])

	deltaTok := tokenDelta(tx, mint, feePayer)

	var side venue.Side
	switch {
	case deltaTok > 0 && deltaSol < 0:
		side = venue.Sell // trader bought
	case deltaTok < 0 && deltaSol > 0:
		side = venue.Buy // trader sold
	case deltaSol < 0:
		side = venue.Sell
	case deltaSol > 0:
		side = venue.Buy
	default:
		return "", 0, false
	}

	// Size by the biggest lamport move in the transaction; the fee payer's own
	// delta understates swaps routed through intermediate accounts.
	maxMove := absInt64(deltaSol)
	for i := range tx.PreBalances {
		move := absInt64(int64(tx.PostBalances[i]) - int64(tx.PreBalances[i]))
		if move > maxMove {
			maxMove = move
		}
	}

	return side, float64(maxMove) / chain.LamportsPerSol, true
}

// tokenDelta is the fee payer's net token change for mint across the
// transaction's token balance meta.
func tokenDelta(tx *chain.ParsedTx, mint, owner string) int64 {
	var pre, post int64
	for _, b := range tx.PreTokenBalances {
		if b.Mint == mint && b.Owner == owner {
			pre += int64(b.Amount)
		}
	}
	for _, b := range tx.PostTokenBalances {
		if b.Mint == mint && b.Owner == owner {
			post += int64(b.Amount)
		}
	}
	return post - pre
}

func (e *Engine) publish(channel string, data interface{}) {
	if e.notify != nil {
		e.notify.Publish(channel, data)
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
