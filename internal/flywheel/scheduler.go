package flywheel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"solana-flywheel-engine/internal/balance"
	"solana-flywheel-engine/internal/chain"
	"solana-flywheel-engine/internal/config"
	"solana-flywheel-engine/internal/executor"
	"solana-flywheel-engine/internal/registry"
	"solana-flywheel-engine/internal/signer"
	"solana-flywheel-engine/internal/venue"
)

const txFeeBuffer = 0.01 // SOL kept back for network fees on buys

// Store is the registry surface the scheduler needs.
type Store interface {
	StateStore
	ActiveTokensForFlywheel() ([]registry.TokenWithConfig, error)
	InsertTrade(t *registry.TradeRecord) error
	UpdateTradeStatus(id int64, status, signature string) error
	FinalizeTrade(id int64, status, signature string, solAmount, tokenAmount float64) error
	DailyTradedSol(tokenID string) (float64, error)
}

// Balances is the cache surface the scheduler needs.
type Balances interface {
	Get(address, mint string) (balance.Entry, bool)
	Fresh(address, mint string, maxAge time.Duration) bool
	Refresh(ctx context.Context, address, mint string) (balance.Entry, error)
	TrackNative(address string)
	TrackToken(owner, mint string, decimals int)
}

// Venue resolves the trading backend for a mint.
type Venue interface {
	Pick(ctx context.Context, mint, route string) (venue.API, error)
}

// Exec runs the build/sign/send/confirm loop.
type Exec interface {
	Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Opts) (*executor.Result, error)
}

// Notifier publishes engine events to the admin bus.
type Notifier interface {
	Publish(channel string, data interface{})
}

// ErrTokenBusy means another trade is in flight for the token.
var ErrTokenBusy = fmt.Errorf("token has a trade in flight")

// Scheduler runs the multi-token flywheel: one tick processes eligible tokens
// in stable round-robin order with bounded concurrency and a process-wide
// swap rate limit.
type Scheduler struct {
	store    Store
	balances Balances
	venue    Venue
	exec     Exec
	signer   signer.Signer
	notify   Notifier
	cfg      *config.Manager
	healthy  func() bool

	tracker *Tracker
	limiter *rate.Limiter

	mu        sync.Mutex
	rrPos     int
	inflight  map[string]struct{}
	limitRate int
	known     map[string]struct{} // token ids already announced
}

// New creates a scheduler.
func New(store Store, balances Balances, v Venue, exec Exec, s signer.Signer, notify Notifier, cfg *config.Manager, healthy func() bool) *Scheduler {
	perMin := cfg.Get().Turbo.RateLimitPerMin
	if perMin <= 0 {
		perMin = 60
	}
	return &Scheduler{
		store:     store,
		balances:  balances,
		venue:     v,
		exec:      exec,
		signer:    s,
		notify:    notify,
		cfg:       cfg,
		healthy:   healthy,
		tracker:   NewTracker(store),
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
		inflight:  make(map[string]struct{}),
		limitRate: perMin,
		known:     make(map[string]struct{}),
	}
}

// Tracker exposes the state tracker, used by tests and the resume path.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Tick runs one scheduler cycle. The supervisor drives the cadence.
func (s *Scheduler) Tick(ctx context.Context) error {
	cfg := s.cfg.Get()
	if s.cfg.ReloadRequested() {
		log.Info().Msg("config reload detected, re-reading token snapshot")
	}
	if s.healthy != nil && !s.healthy() {
		log.Warn().Msg("rpc unhealthy, flywheel tick paused")
		s.publish("job_status", map[string]interface{}{"job": "flywheel", "state": "paused", "reason": "rpc_unhealthy"})
		return nil
	}

	tokens, err := s.store.ActiveTokensForFlywheel()
	if err != nil {
		return fmt.Errorf("load flywheel tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	s.announceNew(tokens)
	s.trackBalances(tokens)
	s.retune(cfg.Turbo.RateLimitPerMin)

	interval := s.cfg.FlywheelInterval()
	margin := interval / 10
	if margin < time.Second {
		margin = time.Second
	}
	tickCtx, cancel := context.WithDeadline(ctx, time.Now().Add(interval-margin))
	defer cancel()

	workers := cfg.Flywheel.MaxConcurrent
	if workers <= 0 {
		workers = 5
	}

	s.mu.Lock()
	start := s.rrPos % len(tokens)
	s.mu.Unlock()

	work := make(chan registry.TokenWithConfig)
	var processed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tok := range work {
				s.processToken(tickCtx, cfg, tok)
				processed.Add(1)
			}
		}()
	}

feed:
	for i := 0; i < len(tokens); i++ {
		tok := tokens[(start+i)%len(tokens)]
		select {
		case <-tickCtx.Done():
			break feed
		case work <- tok:
		}
	}
	close(work)
	wg.Wait()

	// Un-serviced tokens keep their turn: the pointer only advances past
	// tokens this tick actually reached.
	s.mu.Lock()
	s.rrPos = (start + int(processed.Load())) % len(tokens)
	s.mu.Unlock()

	if err := s.tracker.Flush(); err != nil {
		log.Error().Err(err).Msg("batched state flush failed")
	}
	return nil
}

// announceNew publishes a launch event the first time a token enters rotation.
func (s *Scheduler) announceNew(tokens []registry.TokenWithConfig) {
	for _, tok := range tokens {
		s.mu.Lock()
		_, seen := s.known[tok.Token.ID]
		if !seen {
			s.known[tok.Token.ID] = struct{}{}
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		log.Info().Str("token", tok.Token.ID).Str("mint", tok.Token.Mint).Msg("token entered flywheel rotation")
		s.publish("launch_updates", map[string]interface{}{
			"token":     tok.Token.ID,
			"mint":      tok.Token.Mint,
			"symbol":    tok.Token.Symbol,
			"algorithm": tok.Config.Algorithm,
		})
	}
}

func (s *Scheduler) trackBalances(tokens []registry.TokenWithConfig) {
	for _, tok := range tokens {
		ops, err := s.signer.Resolve(tok.Token.OpsKeyID)
		if err != nil {
			continue
		}
		s.balances.TrackNative(ops.Address)
		s.balances.TrackToken(ops.Address, tok.Token.Mint, tok.Token.Decimals)
		if dev, err := s.signer.Resolve(tok.Token.DevKeyID); err == nil {
			s.balances.TrackNative(dev.Address)
		}
	}
}

// retune swaps the limiter when the configured rate changed under reload.
func (s *Scheduler) retune(perMin int) {
	if perMin <= 0 {
		perMin = 60
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perMin != s.limitRate {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
		s.limitRate = perMin
	}
}

func (s *Scheduler) acquire(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[tokenID]; busy {
		return false
	}
	s.inflight[tokenID] = struct{}{}
	return true
}

func (s *Scheduler) release(tokenID string) {
	s.mu.Lock()
	delete(s.inflight, tokenID)
	s.mu.Unlock()
}

func (s *Scheduler) processToken(ctx context.Context, cfg *config.Config, tok registry.TokenWithConfig) {
	st, err := s.tracker.Get(tok.Token.ID)
	if err != nil {
		log.Error().Err(err).Str("token", tok.Token.ID).Msg("load flywheel state failed")
		return
	}

	now := time.Now()
	if st.BreakerOpen() {
		if now.Sub(st.BreakerOpenedAt) < breakerAutoResume {
			return
		}
		clearBreaker(st)
		s.persist(tok, st)
		log.Info().Str("token", tok.Token.ID).Msg("breaker auto-resumed after 24h")
		s.publish("job_status", map[string]interface{}{"job": "flywheel", "token": tok.Token.ID, "event": "breaker_auto_resume"})
	}
	if now.Before(st.CooldownUntil) {
		return
	}

	if !s.acquire(tok.Token.ID) {
		return
	}
	defer s.release(tok.Token.ID)

	if tok.Config.DailyLimitSol > 0 {
		traded, err := s.store.DailyTradedSol(tok.Token.ID)
		if err == nil && traded >= tok.Config.DailyLimitSol {
			log.Debug().Str("token", tok.Token.ID).Float64("traded", traded).Msg("daily limit reached")
			return
		}
	}

	ops, err := s.signer.Resolve(tok.Token.OpsKeyID)
	if err != nil {
		log.Error().Err(err).Str("token", tok.Token.ID).Msg("resolve ops key failed")
		return
	}

	maxAge := 2 * s.cfg.BalanceInterval()
	if !s.balances.Fresh(ops.Address, "", maxAge) || !s.balances.Fresh(ops.Address, tok.Token.Mint, maxAge) {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			s.balances.Refresh(rctx, ops.Address, "")
			s.balances.Refresh(rctx, ops.Address, tok.Token.Mint)
		}()
		log.Debug().Str("token", tok.Token.ID).Msg("balances stale, refresh triggered, tick skipped")
		return
	}

	algo := s.tracker.Algorithm(tok.Token.ID, tok.Config.Algorithm, st)

	if algo == registry.AlgoRebalance && tok.Config.MaxPositionSol > 0 {
		if over, err := s.positionExceeded(ctx, tok, ops.Address); err != nil || over {
			if over {
				log.Debug().Str("token", tok.Token.ID).Msg("position over cap, tick skipped")
			}
			return
		}
	}

	trades := 1
	if algo == registry.AlgoTurbo {
		if st.Phase == registry.PhaseBuying {
			trades = tok.Config.Turbo.CycleBuys - st.BuyCount
		} else {
			trades = tok.Config.Turbo.CycleSells - st.SellCount
		}
		if trades < 1 {
			trades = 1
		}
	}
	delay := time.Duration(tok.Config.Turbo.InterTokenDelayMs) * time.Millisecond

	for i := 0; i < trades; i++ {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return
			}
		}
		done := s.tradeOnce(ctx, tok, st, ops, algo)
		if done {
			return
		}
	}
}

// tradeOnce plans and executes one trade for the token's current phase.
// Returns true when the token is finished for this tick.
func (s *Scheduler) tradeOnce(ctx context.Context, tok registry.TokenWithConfig, st *registry.FlywheelState, ops signer.KeyHandle, algo string) bool {
	var (
		side      venue.Side
		solAmount float64
		tokAmount float64
	)

	frac := tradeFraction(algo, tok.Config.TradeFraction)
	switch st.Phase {
	case registry.PhaseSelling:
		bal, ok := s.balances.Get(ops.Address, tok.Token.Mint)
		if !ok || bal.Amount <= 0 {
			return true
		}
		side = venue.Sell
		tokAmount = bal.Amount * frac
		if tok.Config.MaxSellTokens > 0 && tokAmount > tok.Config.MaxSellTokens {
			tokAmount = tok.Config.MaxSellTokens
		}
	default:
		bal, ok := s.balances.Get(ops.Address, "")
		if !ok || bal.Amount < tok.Config.MinBuySol+txFeeBuffer {
			return true
		}
		side = venue.Buy
		solAmount = clamp(bal.Amount*frac, tok.Config.MinBuySol, tok.Config.MaxBuySol)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return true
	}

	_, err := s.executeSwap(ctx, tok, side, solAmount, tokAmount, registry.SourceFlywheel)
	now := time.Now()
	if err != nil {
		kind := chain.KindOf(err)
		if kind == chain.KindInsufficientFunds {
			// Not a failure against the breaker; the token just sits out.
			log.Warn().Str("token", tok.Token.ID).Msg("insufficient funds, tick skipped")
			return true
		}
		if applyFailure(st, "repeated_failures", now) {
			log.Error().Str("token", tok.Token.ID).Msg("circuit breaker opened")
			s.publish("job_status", map[string]interface{}{"job": "flywheel", "token": tok.Token.ID, "event": "breaker_open"})
		}
		s.persist(tok, st)
		return true
	}

	cycleBuys, cycleSells := tok.Config.Turbo.CycleBuys, tok.Config.Turbo.CycleSells
	phaseBefore := st.Phase
	applySuccess(st, cycleBuys, cycleSells, now)
	s.persist(tok, st)
	return st.Phase != phaseBefore
}

// ExecuteExternal runs one swap on behalf of another component (the reactive
// engine). It respects the in-flight guard and the global rate limit but does
// not advance the cycle state machine.
func (s *Scheduler) ExecuteExternal(ctx context.Context, tok registry.TokenWithConfig, side venue.Side, solAmount, tokenAmount float64, source string) (*executor.Result, error) {
	if !s.acquire(tok.Token.ID) {
		return nil, ErrTokenBusy
	}
	defer s.release(tok.Token.ID)

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.executeSwap(ctx, tok, side, solAmount, tokenAmount, source)
}

// executeSwap records a pending trade, runs the executor with a per-attempt
// fresh quote, and finalizes the record either way.
func (s *Scheduler) executeSwap(ctx context.Context, tok registry.TokenWithConfig, side venue.Side, solAmount, tokenAmount float64, source string) (*executor.Result, error) {
	ops, err := s.signer.Resolve(tok.Token.OpsKeyID)
	if err != nil {
		return nil, fmt.Errorf("resolve ops key: %w", err)
	}

	var inputRaw uint64
	if side == venue.Buy {
		inputRaw = uint64(solAmount * chain.LamportsPerSol)
	} else {
		inputRaw = uint64(tokenAmount * pow10(tok.Token.Decimals))
	}
	if inputRaw == 0 {
		return nil, fmt.Errorf("zero input amount for %s on %s", side, tok.Token.Symbol)
	}

	rec := &registry.TradeRecord{
		TokenID:     tok.Token.ID,
		Kind:        string(side),
		SolAmount:   solAmount,
		TokenAmount: tokenAmount,
		Status:      registry.StatusPending,
		Source:      source,
		At:          time.Now(),
	}
	if err := s.store.InsertTrade(rec); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}

	var lastQuote *venue.Quote
	build := func(ctx context.Context) (string, error) {
		backend, err := s.venue.Pick(ctx, tok.Token.Mint, tok.Config.TradingRoute)
		if err != nil {
			return "", err
		}
		q, err := backend.Quote(ctx, tok.Token.Mint, side, inputRaw, tok.Config.SlippageBps)
		if err != nil {
			return "", err
		}
		lastQuote = q
		return backend.BuildSwap(ctx, q, ops.Address)
	}

	opts := executor.DefaultOpts()
	if tok.Config.Turbo.ConfirmTimeoutSec > 0 {
		opts.PerAttemptTimeout = time.Duration(tok.Config.Turbo.ConfirmTimeoutSec) * time.Second
	}

	res, err := s.exec.Execute(ctx, build, tok.Token.OpsKeyID, opts)
	if err != nil {
		if dbErr := s.store.UpdateTradeStatus(rec.ID, registry.StatusFailed, ""); dbErr != nil {
			log.Error().Err(dbErr).Int64("trade", rec.ID).Msg("mark trade failed")
		}
		s.publish("transactions", map[string]interface{}{
			"tokenId": tok.Token.ID, "kind": string(side), "status": registry.StatusFailed,
			"source": source, "error": err.Error(),
		})
		log.Warn().Err(err).Str("token", tok.Token.ID).Str("side", string(side)).Msg("swap failed")
		return nil, err
	}

	// Settled amounts come from the executed quote.
	if lastQuote != nil {
		if side == venue.Buy {
			tokenAmount = float64(lastQuote.OutputAmount) / pow10(tok.Token.Decimals)
		} else {
			solAmount = float64(lastQuote.OutputAmount) / chain.LamportsPerSol
		}
	}
	if err := s.store.FinalizeTrade(rec.ID, registry.StatusConfirmed, res.Signature, solAmount, tokenAmount); err != nil {
		log.Error().Err(err).Int64("trade", rec.ID).Msg("finalize trade")
	}

	s.publish("transactions", map[string]interface{}{
		"tokenId": tok.Token.ID, "kind": string(side), "status": registry.StatusConfirmed,
		"source": source, "signature": res.Signature,
		"solAmount": solAmount, "tokenAmount": tokenAmount,
	})
	log.Info().
		Str("token", tok.Token.ID).
		Str("side", string(side)).
		Float64("sol", solAmount).
		Str("sig", res.Signature).
		Int("attempts", res.Attempts).
		Msg("swap confirmed")

	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.balances.Refresh(rctx, ops.Address, "")
		s.balances.Refresh(rctx, ops.Address, tok.Token.Mint)
	}()

	return res, nil
}

// ResumeToken clears the breaker by operator action, preserving counters.
func (s *Scheduler) ResumeToken(tokenID string) error {
	st, err := s.tracker.Get(tokenID)
	if err != nil {
		return err
	}
	clearBreaker(st)
	if err := s.tracker.SaveNow(st); err != nil {
		return err
	}
	log.Info().Str("token", tokenID).Msg("breaker cleared by operator")
	s.publish("job_status", map[string]interface{}{"job": "flywheel", "token": tokenID, "event": "breaker_resume"})
	return nil
}

// positionExceeded estimates the ops token position value by quoting a full
// sell, and reports whether it exceeds the configured cap.
func (s *Scheduler) positionExceeded(ctx context.Context, tok registry.TokenWithConfig, opsAddr string) (bool, error) {
	bal, ok := s.balances.Get(opsAddr, tok.Token.Mint)
	if !ok || bal.Raw == 0 {
		return false, nil
	}
	backend, err := s.venue.Pick(ctx, tok.Token.Mint, tok.Config.TradingRoute)
	if err != nil {
		return false, err
	}
	q, err := backend.Quote(ctx, tok.Token.Mint, venue.Sell, bal.Raw, tok.Config.SlippageBps)
	if err != nil {
		return false, err
	}
	value := float64(q.OutputAmount) / chain.LamportsPerSol
	return value > tok.Config.MaxPositionSol, nil
}

func (s *Scheduler) publish(channel string, data interface{}) {
	if s.notify != nil {
		s.notify.Publish(channel, data)
	}
}

// persist writes the token's cycle state. Tokens configured for batched state
// updates are queued for the end-of-tick flush; everything else writes
// synchronously so a crash never loses more than the in-flight trade.
func (s *Scheduler) persist(tok registry.TokenWithConfig, st *registry.FlywheelState) {
	if tok.Config.Turbo.BatchStateUpdates {
		s.tracker.MarkDirty(tok.Token.ID)
		return
	}
	if err := s.tracker.SaveNow(st); err != nil {
		log.Error().Err(err).Str("token", tok.Token.ID).Msg("state save failed")
	}
}

// tradeFraction is the share of the dominant balance one trade uses: the
// configured value when set, otherwise 5% in turbo and 10% in simple mode.
func tradeFraction(algo string, configured float64) float64 {
	if configured > 0 {
		return configured
	}
	if algo == registry.AlgoTurbo {
		return 0.05
	}
	return 0.10
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func pow10(n int) float64 {
	return math.Pow(10, float64(n))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
