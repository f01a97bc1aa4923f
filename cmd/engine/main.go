package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/balance"
	"solana-flywheel-engine/internal/bus"
	"solana-flywheel-engine/internal/chain"
	"solana-flywheel-engine/internal/claim"
	"solana-flywheel-engine/internal/config"
	"solana-flywheel-engine/internal/executor"
	"solana-flywheel-engine/internal/flywheel"
	"solana-flywheel-engine/internal/jobs"
	"solana-flywheel-engine/internal/ops"
	"solana-flywheel-engine/internal/reactive"
	"solana-flywheel-engine/internal/registry"
	"solana-flywheel-engine/internal/signer"
	"solana-flywheel-engine/internal/venue"
)

const rpcHealthWindow = 30 * time.Second

func main() {
	setupLogger()
	log.Info().Msg("flywheel engine starting")

	configPath := os.Getenv("CONFIG_FILE")
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}
	cfg := cfgMgr.Get()

	store, err := registry.NewStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Error().Err(err).Msg("store unreachable")
		os.Exit(1)
	}
	defer store.Close()

	// Chain gateway + blockhash cache.
	rpc := chain.NewClient(cfg.RPC.URL, cfg.RPC.FallbackURL, cfg.RPC.APIKey)
	blockhashes := chain.NewBlockhashCache(rpc, 10*time.Second, 60*time.Second)
	if err := blockhashes.Start(); err != nil {
		log.Error().Err(err).Msg("blockhash cache init failed")
		os.Exit(1)
	}
	defer blockhashes.Stop()
	transfers := chain.NewTransferBuilder(blockhashes)

	healthy := func() bool { return rpc.Healthy(rpcHealthWindow) }

	// Venue backends behind the graduation router.
	timeout := time.Duration(cfg.Venue.TimeoutSeconds) * time.Second
	curve := venue.NewBackend("curve", cfg.Venue.CurveURL, cfg.Venue.APIKey, timeout)
	pool := venue.NewBackend("pool", cfg.Venue.PoolURL, cfg.Venue.APIKey, timeout)
	router := venue.NewRouter(curve, pool, time.Duration(cfg.Venue.MetaTTLSeconds)*time.Second)

	// Signer: local keystore, delegated over it when a signer URL is set.
	signers, err := buildSigner(cfg)
	if err != nil {
		log.Error().Err(err).Msg("signer init failed")
		os.Exit(1)
	}

	exec := executor.New(rpc, signers)

	hub := bus.NewHub(bus.StaticVerifier{Token: cfg.Admin.AuthToken})
	busSrv := bus.NewServer(hub, cfg.Admin.ListenAddr)
	busSrv.Start()

	balances := balance.New(rpc, cfgMgr.BalanceInterval(), cfg.Balance.BatchSize)
	balances.OnUpdate(func(e balance.Entry) {
		hub.Publish(bus.ChanBalanceUpdates, map[string]interface{}{
			"address": e.Address, "mint": e.Mint, "amount": e.Amount,
		})
	})

	scheduler := flywheel.New(store, balances, router, exec, signers, hub, cfgMgr, healthy)
	claimer := claim.New(store, curve, router, rpc, transfers, exec, signers, hub, cfgMgr, healthy)
	reactor := reactive.New(cfg.RPC.WSURL, store, rpc, scheduler, balances, signers, hub, cfgMgr)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconcilePending(rootCtx, store, rpc)

	supervisor := jobs.NewSupervisor(hub)
	supervisor.Register(jobs.Spec{Name: "fast_claim", Interval: cfgMgr.FastClaimInterval(), Run: claimer.Tick})
	supervisor.Register(jobs.Spec{Name: "flywheel", Interval: cfgMgr.FlywheelInterval(), Run: scheduler.Tick})
	supervisor.Register(jobs.Spec{Name: "balance_update", Interval: cfgMgr.BalanceInterval(), Run: balances.Tick})
	supervisor.Register(jobs.Spec{Name: "reactive", Interval: 0, Run: reactor.Run})

	if cfg.Jobs.FastClaimEnabled {
		supervisor.Start("fast_claim")
	}
	if cfg.Jobs.FlywheelEnabled {
		supervisor.Start("flywheel")
	}
	if cfg.Jobs.BalanceUpdateEnabled {
		supervisor.Start("balance_update")
	}
	if cfg.Jobs.ReactiveEnabled {
		supervisor.Start("reactive")
	}

	opsSrv := ops.NewServer(cfg.Ops.ListenHost, cfg.Ops.ListenPort, supervisor, store, scheduler, healthy, cfg.Platform.TokenMint)
	go func() {
		if err := opsSrv.Start(); err != nil {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	log.Info().Msg("engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	supervisor.StopAll()
	cancel()
	opsSrv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	busSrv.Shutdown(shutdownCtx)

	log.Info().Msg("engine stopped")
}

// buildSigner loads the local keystore and, when a remote signer is
// configured, routes unknown keys to the delegated service.
func buildSigner(cfg *config.Config) (signer.Signer, error) {
	local := signer.NewLocal()
	if err := local.LoadKeystore(cfg.Signer.KeystoreDir); err != nil {
		return nil, err
	}
	if cfg.Signer.URL == "" {
		return local, nil
	}
	delegated := signer.NewDelegated(cfg.Signer.URL, 30*time.Second)
	return signer.NewMulti(local, delegated), nil
}

// reconcilePending resolves trades left pending by a previous shutdown.
func reconcilePending(ctx context.Context, store *registry.Store, rpc *chain.Client) {
	pending, err := store.PendingTrades()
	if err != nil {
		log.Warn().Err(err).Msg("pending trade reconcile skipped")
		return
	}
	for _, t := range pending {
		status, err := rpc.GetSignatureStatus(ctx, t.Signature)
		if err != nil {
			continue
		}
		switch status.State {
		case chain.SigConfirmed, chain.SigFinalized:
			store.UpdateTradeStatus(t.ID, registry.StatusConfirmed, t.Signature)
			log.Info().Int64("trade", t.ID).Msg("pending trade reconciled as confirmed")
		case chain.SigFailed, chain.SigNotFound:
			store.UpdateTradeStatus(t.ID, registry.StatusFailed, t.Signature)
			log.Info().Int64("trade", t.ID).Msg("pending trade reconciled as failed")
		}
	}
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
