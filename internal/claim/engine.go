// Package claim sweeps accrued creator fees: every cycle it lists claimable
// positions per dev address, claims the ones over threshold, keeps a reserve
// on the dev key, takes the platform cut, and forwards the rest to the user's
// ops key.
package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/chain"
	"solana-flywheel-engine/internal/config"
	"solana-flywheel-engine/internal/executor"
	"solana-flywheel-engine/internal/registry"
	"solana-flywheel-engine/internal/signer"
	"solana-flywheel-engine/internal/venue"
)

const maxDevGroups = 10 // parallel cap while listing claimables

// Store is the registry surface the engine needs.
type Store interface {
	ActiveTokensForClaim() ([]registry.TokenWithConfig, error)
	InsertClaim(c *registry.ClaimRecord) error
	InsertTrade(t *registry.TradeRecord) error
	UpdateTradeStatus(id int64, status, signature string) error
}

// Lister lists accrued fee positions on a dev address. The curve venue knows
// every token it launched, graduated or not.
type Lister interface {
	ListClaimable(ctx context.Context, devAddress string) ([]venue.ClaimablePosition, error)
}

// Router resolves the claim backend for a mint.
type Router interface {
	Claims(ctx context.Context, mint string) (venue.API, error)
}

// Chain is the RPC surface the engine needs.
type Chain interface {
	GetLamports(ctx context.Context, address string) (uint64, error)
}

// Exec runs the build/sign/send/confirm loop.
type Exec interface {
	Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Opts) (*executor.Result, error)
}

// Notifier publishes engine events to the admin bus.
type Notifier interface {
	Publish(channel string, data interface{})
}

// Engine is the fast-claim pipeline.
type Engine struct {
	store     Store
	lister    Lister
	router    Router
	chain     Chain
	transfers *chain.TransferBuilder
	exec      Exec
	signer    signer.Signer
	notify    Notifier
	cfg       *config.Manager
	healthy   func() bool
}

// New creates a claim engine.
func New(store Store, lister Lister, router Router, chainClient Chain, transfers *chain.TransferBuilder, exec Exec, s signer.Signer, notify Notifier, cfg *config.Manager, healthy func() bool) *Engine {
	return &Engine{
		store:     store,
		lister:    lister,
		router:    router,
		chain:     chainClient,
		transfers: transfers,
		exec:      exec,
		signer:    s,
		notify:    notify,
		cfg:       cfg,
		healthy:   healthy,
	}
}

// claimTask is one token due for claiming.
type claimTask struct {
	token     registry.TokenWithConfig
	dev       signer.KeyHandle
	claimable float64
}

// Tick runs one fast-claim cycle. The supervisor drives the cadence.
func (e *Engine) Tick(ctx context.Context) error {
	cfg := e.cfg.Get()
	if e.healthy != nil && !e.healthy() {
		log.Warn().Msg("rpc unhealthy, fast-claim tick paused")
		return nil
	}

	tokens, err := e.store.ActiveTokensForClaim()
	if err != nil {
		return fmt.Errorf("load claim tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	tasks := e.collect(ctx, cfg, tokens)
	if len(tasks) == 0 {
		return nil
	}

	e.runBatches(ctx, cfg, tasks)
	return nil
}

// collect groups tokens by dev address, lists claimables per group in
// parallel, and keeps positions over threshold.
func (e *Engine) collect(ctx context.Context, cfg *config.Config, tokens []registry.TokenWithConfig) []claimTask {
	groups := make(map[string][]registry.TokenWithConfig)
	handles := make(map[string]signer.KeyHandle)
	for _, tok := range tokens {
		dev, err := e.signer.Resolve(tok.Token.DevKeyID)
		if err != nil {
			log.Error().Err(err).Str("token", tok.Token.ID).Msg("resolve dev key failed")
			continue
		}
		groups[dev.Address] = append(groups[dev.Address], tok)
		handles[dev.Address] = dev
	}

	var (
		mu    sync.Mutex
		tasks []claimTask
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, maxDevGroups)

	for devAddr, group := range groups {
		wg.Add(1)
		go func(devAddr string, group []registry.TokenWithConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			positions, err := e.lister.ListClaimable(ctx, devAddr)
			if err != nil {
				log.Warn().Err(err).Str("dev", devAddr).Msg("list claimable failed")
				return
			}

			byMint := make(map[string]float64, len(positions))
			for _, p := range positions {
				byMint[p.TokenMint] = p.ClaimableSol
			}

			for _, tok := range group {
				sol := byMint[tok.Token.Mint]
				if sol < cfg.FastClaim.ThresholdSol {
					continue
				}
				mu.Lock()
				tasks = append(tasks, claimTask{token: tok, dev: handles[devAddr], claimable: sol})
				mu.Unlock()
			}
		}(devAddr, group)
	}
	wg.Wait()
	return tasks
}

// runBatches claims in batches of maxConcurrent with batchDelay between them.
func (e *Engine) runBatches(ctx context.Context, cfg *config.Config, tasks []claimTask) {
	batchSize := cfg.FastClaim.MaxConcurrent
	if batchSize <= 0 {
		batchSize = 5
	}
	delay := time.Duration(cfg.FastClaim.BatchDelayMs) * time.Millisecond

	for start := 0; start < len(tasks); start += batchSize {
		if ctx.Err() != nil {
			return
		}
		if start > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}

		var wg sync.WaitGroup
		for _, task := range tasks[start:end] {
			wg.Add(1)
			go func(task claimTask) {
				defer wg.Done()
				if err := e.claimOne(ctx, cfg, task); err != nil {
					log.Warn().Err(err).Str("token", task.token.Token.ID).Msg("claim failed")
				}
			}(task)
		}
		wg.Wait()
	}
}

// claimOne executes one token's claim and the platform/user split transfers.
func (e *Engine) claimOne(ctx context.Context, cfg *config.Config, task claimTask) error {
	tok := task.token.Token

	// Never attempt a claim the dev key cannot pay the tx fee for.
	devLamports, err := e.chain.GetLamports(ctx, task.dev.Address)
	if err != nil {
		return fmt.Errorf("dev balance: %w", err)
	}
	minReserve := uint64(cfg.Platform.DevMinReserveSol * chain.LamportsPerSol)
	if devLamports < minReserve {
		log.Debug().Str("token", tok.ID).Uint64("lamports", devLamports).Msg("dev balance below fee reserve, claim skipped")
		return nil
	}

	backend, err := e.router.Claims(ctx, tok.Mint)
	if err != nil {
		return fmt.Errorf("resolve claim backend: %w", err)
	}
	txs, err := backend.BuildClaim(ctx, task.dev.Address, []string{tok.Mint})
	if err != nil {
		return fmt.Errorf("build claim: %w", err)
	}
	if len(txs) == 0 {
		return fmt.Errorf("venue returned no claim transactions for %s", tok.Mint)
	}

	// Multi-step claims come back as one tx per step; the venue orders them
	// so the first tx is the sweep itself. Every step runs in order with a
	// fresh per-attempt build; a failed step aborts the rest of the sequence.
	steps := len(txs)
	var sweepSig string
	for i := 0; i < steps; i++ {
		step := i
		build := func(ctx context.Context) (string, error) {
			backend, err := e.router.Claims(ctx, tok.Mint)
			if err != nil {
				return "", err
			}
			txs, err := backend.BuildClaim(ctx, task.dev.Address, []string{tok.Mint})
			if err != nil {
				return "", err
			}
			if step >= len(txs) {
				return "", fmt.Errorf("claim step %d missing on rebuild for %s", step+1, tok.Mint)
			}
			return txs[step], nil
		}

		res, err := e.exec.Execute(ctx, build, tok.DevKeyID, executor.DefaultOpts())
		if err != nil {
			return fmt.Errorf("claim step %d/%d: %w", step+1, steps, err)
		}
		if step == 0 {
			sweepSig = res.Signature
		}
	}

	gross := task.claimable
	reserve := cfg.Platform.ClaimTransferReserveSol
	transferable := gross - reserve

	feePct := cfg.Platform.FeePct
	if cfg.Platform.TokenMint != "" && tok.Mint == cfg.Platform.TokenMint {
		feePct = 0
	}

	var platformFee, userNet float64
	if transferable > 0 {
		platformFee = transferable * feePct / 100
		userNet = transferable - platformFee
	}

	rec := &registry.ClaimRecord{
		TokenID:     tok.ID,
		GrossSol:    gross,
		PlatformFee: platformFee,
		UserNet:     userNet,
		Signature:   sweepSig,
		At:          time.Now(),
	}
	if err := e.store.InsertClaim(rec); err != nil {
		log.Error().Err(err).Str("token", tok.ID).Msg("record claim")
	}

	log.Info().
		Str("token", tok.ID).
		Float64("gross", gross).
		Float64("platformFee", platformFee).
		Float64("userNet", userNet).
		Str("sig", sweepSig).
		Msg("claim confirmed")
	e.publish("transactions", map[string]interface{}{
		"tokenId": tok.ID, "kind": "claim", "status": registry.StatusConfirmed,
		"signature": sweepSig, "grossSol": gross,
		"platformFeeSol": platformFee, "userNetSol": userNet,
	})

	if transferable <= 0 {
		return nil
	}

	// Two independent transfer legs: platform first, then user. A failed leg
	// is recorded and alerted but never rolls back the other.
	if platformFee > 0 && cfg.Platform.OpsAddress != "" {
		e.transferLeg(ctx, tok, task.dev, cfg.Platform.OpsAddress, platformFee, "platform")
	}
	if userNet > 0 {
		userOps, err := e.signer.Resolve(tok.OpsKeyID)
		if err != nil {
			log.Error().Err(err).Str("token", tok.ID).Msg("resolve ops key for user transfer")
			e.alert(tok.ID, "user transfer leg skipped: "+err.Error())
		} else {
			e.transferLeg(ctx, tok, task.dev, userOps.Address, userNet, "user")
		}
	}
	return nil
}

// transferLeg sends one native transfer from the dev key and records it.
func (e *Engine) transferLeg(ctx context.Context, tok registry.Token, dev signer.KeyHandle, to string, sol float64, leg string) {
	rec := &registry.TradeRecord{
		TokenID:   tok.ID,
		Kind:      registry.TradeTransfer,
		SolAmount: sol,
		Status:    registry.StatusPending,
		Source:    registry.SourceFlywheel,
		At:        time.Now(),
	}
	if err := e.store.InsertTrade(rec); err != nil {
		log.Error().Err(err).Str("token", tok.ID).Msg("record transfer")
		return
	}

	lamports := uint64(sol * chain.LamportsPerSol)
	build := func(ctx context.Context) (string, error) {
		return e.transfers.BuildTransfer(dev.Address, to, lamports)
	}

	res, err := e.exec.Execute(ctx, build, dev.KeyID, executor.DefaultOpts())
	if err != nil {
		if dbErr := e.store.UpdateTradeStatus(rec.ID, registry.StatusFailed, ""); dbErr != nil {
			log.Error().Err(dbErr).Int64("trade", rec.ID).Msg("mark transfer failed")
		}
		log.Error().Err(err).Str("token", tok.ID).Str("leg", leg).Msg("transfer leg failed")
		e.alert(tok.ID, fmt.Sprintf("%s transfer leg failed: %v", leg, err))
		return
	}

	if err := e.store.UpdateTradeStatus(rec.ID, registry.StatusConfirmed, res.Signature); err != nil {
		log.Error().Err(err).Int64("trade", rec.ID).Msg("finalize transfer")
	}
	log.Info().Str("token", tok.ID).Str("leg", leg).Float64("sol", sol).Str("sig", res.Signature).Msg("transfer confirmed")
	e.publish("transactions", map[string]interface{}{
		"tokenId": tok.ID, "kind": registry.TradeTransfer, "leg": leg,
		"status": registry.StatusConfirmed, "signature": res.Signature, "solAmount": sol,
	})
}

func (e *Engine) alert(tokenID, msg string) {
	e.publish("logs", map[string]interface{}{"level": "error", "token": tokenID, "message": msg})
}

func (e *Engine) publish(channel string, data interface{}) {
	if e.notify != nil {
		e.notify.Publish(channel, data)
	}
}
