package flywheel

import (
	"testing"
	"time"

	"solana-flywheel-engine/internal/registry"
)

func TestCycleTable(t *testing.T) {
	// 5/5 cycle, eleven consecutive successful trades. The counter that hits
	// its cap flips the phase; the opposing counter resets on the new phase's
	// first trade.
	steps := []struct {
		buy, sell int
		phase     string
	}{
		{1, 0, registry.PhaseBuying},
		{2, 0, registry.PhaseBuying},
		{3, 0, registry.PhaseBuying},
		{4, 0, registry.PhaseBuying},
		{5, 0, registry.PhaseSelling},
		{0, 1, registry.PhaseSelling},
		{0, 2, registry.PhaseSelling},
		{0, 3, registry.PhaseSelling},
		{0, 4, registry.PhaseSelling},
		{0, 5, registry.PhaseBuying},
		{1, 0, registry.PhaseBuying},
	}

	st := &registry.FlywheelState{TokenID: "t1", Phase: registry.PhaseBuying}
	now := time.Now()
	for i, want := range steps {
		applySuccess(st, 5, 5, now)
		if st.BuyCount != want.buy || st.SellCount != want.sell || st.Phase != want.phase {
			t.Fatalf("trade %d: got (%d,%d,%s), want (%d,%d,%s)",
				i+1, st.BuyCount, st.SellCount, st.Phase, want.buy, want.sell, want.phase)
		}
	}
}

func TestApplySuccessResetsFailureState(t *testing.T) {
	st := &registry.FlywheelState{
		TokenID:             "t1",
		Phase:               registry.PhaseBuying,
		ConsecutiveFailures: 3,
		CooldownUntil:       time.Now().Add(time.Hour),
	}
	now := time.Now()
	applySuccess(st, 5, 5, now)

	if st.ConsecutiveFailures != 0 {
		t.Errorf("expected failure counter reset, got %d", st.ConsecutiveFailures)
	}
	if !st.CooldownUntil.IsZero() {
		t.Errorf("expected cooldown cleared, got %v", st.CooldownUntil)
	}
	if !st.LastTradeAt.Equal(now) {
		t.Errorf("expected last trade at %v, got %v", now, st.LastTradeAt)
	}
}

func TestApplyFailureOpensBreakerAtThreshold(t *testing.T) {
	st := &registry.FlywheelState{TokenID: "t1", Phase: registry.PhaseBuying}
	now := time.Now()

	for i := 1; i < breakerThreshold; i++ {
		opened := applyFailure(st, "repeated_failures", now)
		if opened {
			t.Fatalf("breaker opened early at failure %d", i)
		}
		if st.BreakerOpen() {
			t.Fatalf("breaker reason set early at failure %d", i)
		}
		if !st.CooldownUntil.After(now) {
			t.Fatalf("failure %d: expected a cooldown", i)
		}
	}

	if !applyFailure(st, "repeated_failures", now) {
		t.Fatal("expected breaker to open on the fifth consecutive failure")
	}
	if !st.BreakerOpen() || st.BreakerReason != "repeated_failures" {
		t.Errorf("unexpected breaker state: %+v", st)
	}
}

func TestFailureBackoff(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 15 * time.Minute},
		{20, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := failureBackoff(tc.n); got != tc.want {
			t.Errorf("failureBackoff(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}

	// Monotone non-decreasing up to the cap.
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := failureBackoff(n)
		if d < prev {
			t.Errorf("backoff decreased at n=%d: %v < %v", n, d, prev)
		}
		prev = d
	}
}

func TestClearBreakerPreservesCycle(t *testing.T) {
	st := &registry.FlywheelState{
		TokenID:             "t1",
		Phase:               registry.PhaseSelling,
		BuyCount:            0,
		SellCount:           3,
		ConsecutiveFailures: 5,
		BreakerReason:       "repeated_failures",
		BreakerOpenedAt:     time.Now(),
		CooldownUntil:       time.Now().Add(time.Hour),
	}
	clearBreaker(st)

	if st.BreakerOpen() {
		t.Error("breaker still open after clear")
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures not reset: %d", st.ConsecutiveFailures)
	}
	if st.Phase != registry.PhaseSelling || st.SellCount != 3 {
		t.Errorf("cycle position lost on resume: %+v", st)
	}
}

type memStateStore struct {
	states map[string]*registry.FlywheelState
	saves  int // synchronous single-state writes
	batch  int // non-empty batched writes
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*registry.FlywheelState)}
}

func (m *memStateStore) LoadState(tokenID string) (*registry.FlywheelState, error) {
	if st, ok := m.states[tokenID]; ok {
		cp := *st
		return &cp, nil
	}
	return &registry.FlywheelState{TokenID: tokenID, Phase: registry.PhaseBuying}, nil
}

func (m *memStateStore) SaveState(st *registry.FlywheelState) error {
	m.saves++
	cp := *st
	m.states[st.TokenID] = &cp
	return nil
}

func (m *memStateStore) SaveStates(states []*registry.FlywheelState) error {
	if len(states) == 0 {
		return nil
	}
	m.batch++
	for _, st := range states {
		cp := *st
		m.states[st.TokenID] = &cp
	}
	return nil
}

func TestTrackerFlushBatches(t *testing.T) {
	store := newMemStateStore()
	tr := NewTracker(store)

	for _, id := range []string{"a", "b", "c"} {
		st, err := tr.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		st.BuyCount = 2
		tr.MarkDirty(id)
	}

	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if store.batch != 1 {
		t.Errorf("expected one batched write, got %d", store.batch)
	}
	for _, id := range []string{"a", "b", "c"} {
		if store.states[id] == nil || store.states[id].BuyCount != 2 {
			t.Errorf("state %s not flushed: %+v", id, store.states[id])
		}
	}

	// A second flush with nothing dirty writes nothing.
	store.batch = 0
	if err := tr.Flush(); err != nil {
		t.Fatalf("empty Flush failed: %v", err)
	}
	if len(store.states) != 3 {
		t.Errorf("unexpected state count after empty flush: %d", len(store.states))
	}
}

func TestAlgorithmChangeWaitsForCycleBoundary(t *testing.T) {
	tr := NewTracker(newMemStateStore())

	midCycle := &registry.FlywheelState{TokenID: "t1", Phase: registry.PhaseBuying, BuyCount: 3}
	if got := tr.Algorithm("t1", registry.AlgoSimple, midCycle); got != registry.AlgoSimple {
		t.Fatalf("first observation should adopt configured algorithm, got %s", got)
	}

	// Config flips to turbo mid-cycle: the active algorithm holds.
	if got := tr.Algorithm("t1", registry.AlgoTurbo, midCycle); got != registry.AlgoSimple {
		t.Errorf("mid-cycle change applied early: %s", got)
	}

	// Selling phase is still mid-cycle.
	selling := &registry.FlywheelState{TokenID: "t1", Phase: registry.PhaseSelling, SellCount: 2}
	if got := tr.Algorithm("t1", registry.AlgoTurbo, selling); got != registry.AlgoSimple {
		t.Errorf("selling-phase change applied early: %s", got)
	}

	// Fresh buying phase: boundary reached, the change lands.
	boundary := &registry.FlywheelState{TokenID: "t1", Phase: registry.PhaseBuying, BuyCount: 0}
	if got := tr.Algorithm("t1", registry.AlgoTurbo, boundary); got != registry.AlgoTurbo {
		t.Errorf("boundary change not applied: %s", got)
	}
}
