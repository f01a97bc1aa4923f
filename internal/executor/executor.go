// Package executor drives one transaction from build to confirmation: sign,
// broadcast, poll, retry. Every retry rebuilds the unsigned transaction from
// scratch so the blockhash and any quote ephemera are fresh; reusing a stale
// signed artifact is the dominant cause of unconfirmed sends.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/chain"
	"solana-flywheel-engine/internal/signer"
)

// ChainClient is the chain surface the executor needs.
type ChainClient interface {
	SendRawTransaction(ctx context.Context, signedTxBase64 string) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*chain.SignatureStatus, error)
}

// BuildFunc produces a fresh unsigned base64 transaction. Called once per
// attempt, never cached.
type BuildFunc func(ctx context.Context) (string, error)

// Opts controls one execution.
type Opts struct {
	MaxAttempts             int
	PerAttemptTimeout       time.Duration
	Commitment              string // "confirmed" or "finalized"
	RetryOnBlockhashExpired bool
}

// DefaultOpts are the options used by the engine jobs.
func DefaultOpts() Opts {
	return Opts{
		MaxAttempts:             3,
		PerAttemptTimeout:       45 * time.Second,
		Commitment:              "confirmed",
		RetryOnBlockhashExpired: true,
	}
}

// Result of a successful execution.
type Result struct {
	Signature string
	Attempts  int
	Elapsed   time.Duration
}

const (
	pollInitialBackoff = 500 * time.Millisecond
	pollMaxBackoff     = 4 * time.Second
	retryMaxSleep      = 8 * time.Second
)

// Executor signs, broadcasts and confirms transactions. Issuance on a given
// key is strictly serialized: no two concurrent sends from the same key.
type Executor struct {
	chain   ChainClient
	signer  signer.Signer
	metrics *Metrics

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New creates an executor.
func New(chainClient ChainClient, s signer.Signer) *Executor {
	return &Executor{
		chain:    chainClient,
		signer:   s,
		metrics:  NewMetrics(),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Metrics returns the executor's latency metrics.
func (e *Executor) Metrics() *Metrics { return e.metrics }

func (e *Executor) lockFor(keyID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.keyLocks[keyID]
	if !ok {
		l = &sync.Mutex{}
		e.keyLocks[keyID] = l
	}
	return l
}

// Execute runs the build → sign → send → confirm loop. On cancellation the
// current attempt is abandoned without further retries.
func (e *Executor) Execute(ctx context.Context, build BuildFunc, keyID string, opts Opts) (*Result, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.PerAttemptTimeout <= 0 {
		opts.PerAttemptTimeout = 45 * time.Second
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		sig, err := e.attempt(ctx, build, keyID, opts)
		if err == nil {
			elapsed := time.Since(start)
			e.metrics.RecordSuccess(elapsed)
			return &Result{Signature: sig, Attempts: attempt + 1, Elapsed: elapsed}, nil
		}

		kind := chain.KindOf(err)
		if !chain.Retryable(kind) || (kind == chain.KindBlockhashExpired && !opts.RetryOnBlockhashExpired) {
			e.metrics.RecordFailure(time.Since(start))
			return nil, err
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("keyId", keyID).
			Int("attempt", attempt+1).
			Int("maxAttempts", opts.MaxAttempts).
			Msg("tx attempt failed, retrying with fresh build")

		if attempt+1 < opts.MaxAttempts {
			if err := sleepCtx(ctx, retrySleep(attempt+1)); err != nil {
				return nil, err
			}
		}
	}

	e.metrics.RecordFailure(time.Since(start))
	return nil, chain.NewError(chain.KindTransient, "exhausted", lastErr)
}

// attempt runs one build/sign/send/poll pass. At most one broadcast happens
// per attempt.
func (e *Executor) attempt(ctx context.Context, build BuildFunc, keyID string, opts Opts) (string, error) {
	buildStart := time.Now()
	unsigned, err := build(ctx)
	if err != nil {
		return "", fmt.Errorf("build: %w", err)
	}
	e.metrics.lastBuildMs.Store(time.Since(buildStart).Milliseconds())

	// Sign and send under the key lock: strict per-key issuance order.
	keyLock := e.lockFor(keyID)
	keyLock.Lock()

	signStart := time.Now()
	signed, err := e.signer.Sign(ctx, unsigned, keyID)
	if err != nil {
		keyLock.Unlock()
		return "", fmt.Errorf("sign: %w", err)
	}
	e.metrics.lastSignMs.Store(time.Since(signStart).Milliseconds())

	sendStart := time.Now()
	sig, err := e.chain.SendRawTransaction(ctx, signed)
	keyLock.Unlock()
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	e.metrics.lastSendMs.Store(time.Since(sendStart).Milliseconds())

	return sig, e.confirm(ctx, sig, opts)
}

// confirm polls the signature until it reaches the requested commitment, a
// permanent failure, or the per-attempt timeout.
func (e *Executor) confirm(ctx context.Context, sig string, opts Opts) error {
	deadline := time.Now().Add(opts.PerAttemptTimeout)
	backoff := pollInitialBackoff

	for {
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}

		status, err := e.chain.GetSignatureStatus(ctx, sig)
		if err != nil {
			// Status reads are idempotent; a flaky read does not fail the
			// attempt by itself.
			log.Debug().Err(err).Str("sig", truncate(sig, 12)).Msg("status poll failed")
		} else {
			switch status.State {
			case chain.SigFinalized:
				return nil
			case chain.SigConfirmed:
				if opts.Commitment != "finalized" {
					return nil
				}
			case chain.SigFailed:
				kind := classifyProgramFailure(status.FailureReason)
				return chain.NewError(kind, status.FailureReason, nil)
			}
		}

		if time.Now().After(deadline) {
			return chain.NewError(chain.KindTransient, "confirmation timeout: "+truncate(sig, 12), nil)
		}

		backoff *= 2
		if backoff > pollMaxBackoff {
			backoff = pollMaxBackoff
		}
	}
}

// classifyProgramFailure maps an on-chain failure reason to an error kind. A
// transaction the cluster executed and rejected is permanent unless the
// reason is a blockhash/lifetime problem.
func classifyProgramFailure(reason string) chain.ErrorKind {
	kind := chain.Classify(reason)
	switch kind {
	case chain.KindBlockhashExpired, chain.KindInsufficientFunds:
		return kind
	}
	return chain.KindPermanent
}

// retrySleep is min(2^attempt seconds, 8s).
func retrySleep(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > retryMaxSleep {
		d = retryMaxSleep
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
