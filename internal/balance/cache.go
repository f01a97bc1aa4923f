// Package balance keeps a periodically refreshed cache of native and token
// balances for the wallets the engine operates. Readers get point-in-time
// snapshots; the refresh loop swaps in a new map, never mutates a published
// one.
package balance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/chain"
)

// Reader is the chain surface the cache needs.
type Reader interface {
	GetLamports(ctx context.Context, address string) (uint64, error)
	GetTokenAmount(ctx context.Context, owner, mint string) (uint64, error)
}

// Entry is one cached balance. Mint == "" means native SOL.
type Entry struct {
	Address   string
	Mint      string
	Decimals  int
	Raw       uint64
	Amount    float64 // SOL for native, UI amount for tokens
	UpdatedAt time.Time
}

type key struct {
	address string
	mint    string
}

// Cache holds tracked balances behind an atomic snapshot pointer.
type Cache struct {
	reader   Reader
	interval time.Duration
	batch    int // max concurrent RPC fetches per refresh pass

	mu      sync.Mutex
	tracked map[key]int // key -> token decimals (0 for native)

	snapshot atomic.Pointer[map[key]Entry]

	onUpdate func(Entry)
	stop     chan struct{}
	done     chan struct{}
}

// New creates a cache refreshing every interval, fetching at most batchSize
// balances concurrently per pass.
func New(reader Reader, interval time.Duration, batchSize int) *Cache {
	if batchSize <= 0 {
		batchSize = 50
	}
	c := &Cache{
		reader:   reader,
		interval: interval,
		batch:    batchSize,
		tracked:  make(map[key]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	empty := make(map[key]Entry)
	c.snapshot.Store(&empty)
	return c
}

// OnUpdate registers a callback invoked for each refreshed entry. Must be set
// before Start.
func (c *Cache) OnUpdate(fn func(Entry)) { c.onUpdate = fn }

// TrackNative adds a native SOL balance to the refresh set.
func (c *Cache) TrackNative(address string) {
	c.mu.Lock()
	c.tracked[key{address: address}] = 0
	c.mu.Unlock()
}

// TrackToken adds a token balance to the refresh set.
func (c *Cache) TrackToken(owner, mint string, decimals int) {
	c.mu.Lock()
	c.tracked[key{address: owner, mint: mint}] = decimals
	c.mu.Unlock()
}

// Untrack removes an entry from the refresh set. The last snapshot value
// stays visible until the next refresh.
func (c *Cache) Untrack(address, mint string) {
	c.mu.Lock()
	delete(c.tracked, key{address: address, mint: mint})
	c.mu.Unlock()
}

// Get returns the cached entry, if any.
func (c *Cache) Get(address, mint string) (Entry, bool) {
	snap := *c.snapshot.Load()
	e, ok := snap[key{address: address, mint: mint}]
	return e, ok
}

// Fresh reports whether a cached entry exists and is younger than maxAge.
func (c *Cache) Fresh(address, mint string, maxAge time.Duration) bool {
	e, ok := c.Get(address, mint)
	return ok && time.Since(e.UpdatedAt) <= maxAge
}

// Refresh fetches one balance immediately, bypassing the loop, and folds it
// into the snapshot.
func (c *Cache) Refresh(ctx context.Context, address, mint string) (Entry, error) {
	c.mu.Lock()
	decimals, tracked := c.tracked[key{address: address, mint: mint}]
	c.mu.Unlock()
	if !tracked && mint != "" {
		decimals = 9
	}

	e, err := c.fetch(ctx, key{address: address, mint: mint}, decimals)
	if err != nil {
		return Entry{}, err
	}
	c.fold([]Entry{e})
	return e, nil
}

// Tick refreshes every tracked balance once. Used when a supervisor drives
// the cadence instead of the internal loop.
func (c *Cache) Tick(ctx context.Context) error {
	c.refreshAll(ctx)
	return nil
}

// Start launches the refresh loop. The first pass runs immediately.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		c.refreshAll(ctx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.refreshAll(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Cache) refreshAll(ctx context.Context) {
	c.mu.Lock()
	keys := make(map[key]int, len(c.tracked))
	for k, d := range c.tracked {
		keys[k] = d
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	var (
		wg      sync.WaitGroup
		entryMu sync.Mutex
		entries []Entry
	)
	sem := make(chan struct{}, c.batch)

	for k, decimals := range keys {
		wg.Add(1)
		go func(k key, decimals int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e, err := c.fetch(ctx, k, decimals)
			if err != nil {
				log.Debug().Err(err).
					Str("address", k.address).
					Str("mint", k.mint).
					Msg("balance refresh failed")
				return
			}
			entryMu.Lock()
			entries = append(entries, e)
			entryMu.Unlock()
		}(k, decimals)
	}
	wg.Wait()

	c.fold(entries)
}

func (c *Cache) fetch(ctx context.Context, k key, decimals int) (Entry, error) {
	if k.mint == "" {
		lamports, err := c.reader.GetLamports(ctx, k.address)
		if err != nil {
			return Entry{}, err
		}
		return Entry{
			Address:   k.address,
			Raw:       lamports,
			Amount:    float64(lamports) / chain.LamportsPerSol,
			UpdatedAt: time.Now(),
		}, nil
	}

	raw, err := c.reader.GetTokenAmount(ctx, k.address, k.mint)
	if err != nil {
		return Entry{}, err
	}
	div := 1.0
	for i := 0; i < decimals; i++ {
		div *= 10
	}
	return Entry{
		Address:   k.address,
		Mint:      k.mint,
		Decimals:  decimals,
		Raw:       raw,
		Amount:    float64(raw) / div,
		UpdatedAt: time.Now(),
	}, nil
}

// fold publishes a new snapshot containing the old entries plus the fresh
// ones. Failed fetches keep their stale values.
func (c *Cache) fold(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	old := *c.snapshot.Load()
	next := make(map[key]Entry, len(old)+len(entries))
	for k, v := range old {
		next[k] = v
	}
	for _, e := range entries {
		next[key{address: e.Address, mint: e.Mint}] = e
	}
	c.snapshot.Store(&next)

	if c.onUpdate != nil {
		for _, e := range entries {
			c.onUpdate(e)
		}
	}
}

// Snapshot returns all cached entries.
func (c *Cache) Snapshot() []Entry {
	snap := *c.snapshot.Load()
	out := make([]Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	return out
}
