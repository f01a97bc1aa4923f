// Package flywheel drives the per-token buy/sell cycle: a phase state machine
// per token, a round-robin scheduler across tokens, a global swap rate limit,
// and a consecutive-failure circuit breaker.
package flywheel

import (
	"sync"
	"time"

	"solana-flywheel-engine/internal/registry"
)

const (
	breakerThreshold  = 5
	breakerAutoResume = 24 * time.Hour
	cooldownBase      = 60 * time.Second
	cooldownCap       = 15 * time.Minute
)

// StateStore is the persistence surface the tracker needs.
type StateStore interface {
	LoadState(tokenID string) (*registry.FlywheelState, error)
	SaveState(st *registry.FlywheelState) error
	SaveStates(states []*registry.FlywheelState) error
}

// Tracker holds the in-memory flywheel states. Mutations happen only on the
// scheduler goroutine that owns the token for the current tick; the lock
// guards map shape, not state fields.
type Tracker struct {
	store StateStore

	mu         sync.Mutex
	states     map[string]*registry.FlywheelState
	dirty      map[string]struct{}
	activeAlgo map[string]string
}

// NewTracker creates a tracker over the store.
func NewTracker(store StateStore) *Tracker {
	return &Tracker{
		store:      store,
		states:     make(map[string]*registry.FlywheelState),
		dirty:      make(map[string]struct{}),
		activeAlgo: make(map[string]string),
	}
}

// Get returns the token's state, loading (and lazily creating) it on first
// observation.
func (t *Tracker) Get(tokenID string) (*registry.FlywheelState, error) {
	t.mu.Lock()
	st, ok := t.states[tokenID]
	t.mu.Unlock()
	if ok {
		return st, nil
	}

	st, err := t.store.LoadState(tokenID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.states[tokenID] = st
	t.mu.Unlock()
	return st, nil
}

// Algorithm resolves the effective algorithm for a token. A configured change
// takes effect at the next cycle boundary (fresh buying phase), never
// mid-cycle.
func (t *Tracker) Algorithm(tokenID, configured string, st *registry.FlywheelState) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	active, ok := t.activeAlgo[tokenID]
	if !ok {
		t.activeAlgo[tokenID] = configured
		return configured
	}
	if active == configured {
		return active
	}
	if st.Phase == registry.PhaseBuying && st.BuyCount == 0 {
		t.activeAlgo[tokenID] = configured
		return configured
	}
	return active
}

// MarkDirty queues the token's state for the next batched flush.
func (t *Tracker) MarkDirty(tokenID string) {
	t.mu.Lock()
	t.dirty[tokenID] = struct{}{}
	t.mu.Unlock()
}

// SaveNow flushes one state synchronously.
func (t *Tracker) SaveNow(st *registry.FlywheelState) error {
	return t.store.SaveState(st)
}

// Flush writes all dirty states in one store transaction.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	batch := make([]*registry.FlywheelState, 0, len(t.dirty))
	for id := range t.dirty {
		if st, ok := t.states[id]; ok {
			batch = append(batch, st)
		}
	}
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()

	return t.store.SaveStates(batch)
}

// applySuccess advances the cycle after a confirmed trade. The counter that
// hit its cap flips the phase; the opposing counter resets when the new phase
// records its first trade.
func applySuccess(st *registry.FlywheelState, cycleBuys, cycleSells int, now time.Time) {
	switch st.Phase {
	case registry.PhaseBuying:
		if st.BuyCount == 0 {
			st.SellCount = 0
		}
		st.BuyCount++
		if st.BuyCount >= cycleBuys {
			st.Phase = registry.PhaseSelling
		}
	case registry.PhaseSelling:
		if st.SellCount == 0 {
			st.BuyCount = 0
		}
		st.SellCount++
		if st.SellCount >= cycleSells {
			st.Phase = registry.PhaseBuying
			st.BuyCount = 0
		}
	}
	st.ConsecutiveFailures = 0
	st.CooldownUntil = time.Time{}
	st.LastTradeAt = now
}

// applyFailure advances the failure counter and either opens the breaker or
// schedules a cooldown. Returns true when the breaker opened on this call.
func applyFailure(st *registry.FlywheelState, reason string, now time.Time) bool {
	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= breakerThreshold {
		st.BreakerReason = reason
		st.BreakerOpenedAt = now
		return true
	}
	st.CooldownUntil = now.Add(failureBackoff(st.ConsecutiveFailures))
	return false
}

// failureBackoff is min(60s * 2^(n-1), 15min).
func failureBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := cooldownBase << uint(n-1)
	if d > cooldownCap || d < 0 {
		d = cooldownCap
	}
	return d
}

// clearBreaker re-admits the token with phase and counters preserved.
func clearBreaker(st *registry.FlywheelState) {
	st.BreakerReason = ""
	st.BreakerOpenedAt = time.Time{}
	st.CooldownUntil = time.Time{}
	st.ConsecutiveFailures = 0
}
