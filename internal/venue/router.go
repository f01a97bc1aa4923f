package venue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Route names accepted in token config.
const (
	RouteAuto  = "auto"
	RouteCurve = "curve"
	RoutePool  = "pool"
)

type cachedMeta struct {
	meta      *TokenMeta
	fetchedAt time.Time
}

// Router picks the backend for a mint: forced by config, or by graduation
// state when the route is auto. Graduation is cached per mint with a TTL
// because it is a one-way transition that moves slowly.
type Router struct {
	curve *Backend
	pool  *Backend
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cachedMeta
}

// NewRouter creates a venue router.
func NewRouter(curve, pool *Backend, metaTTL time.Duration) *Router {
	return &Router{
		curve: curve,
		pool:  pool,
		ttl:   metaTTL,
		cache: make(map[string]cachedMeta),
	}
}

// Pick resolves the backend for mint given the configured trading route.
func (r *Router) Pick(ctx context.Context, mint, route string) (API, error) {
	switch route {
	case RouteCurve:
		return r.curve, nil
	case RoutePool:
		return r.pool, nil
	case RouteAuto, "":
		meta, err := r.Meta(ctx, mint)
		if err != nil {
			return nil, err
		}
		if meta.Graduated {
			return r.pool, nil
		}
		return r.curve, nil
	}
	return nil, fmt.Errorf("unknown trading route: %s", route)
}

// Meta returns venue metadata for mint, served from cache within the TTL.
// Metadata always comes from the curve venue, which knows every token it
// launched regardless of graduation.
func (r *Router) Meta(ctx context.Context, mint string) (*TokenMeta, error) {
	r.mu.RLock()
	entry, ok := r.cache[mint]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.meta, nil
	}

	meta, err := r.curve.GetTokenMeta(ctx, mint)
	if err != nil {
		// Serve the stale entry rather than failing a tick on a meta hiccup.
		if ok {
			return entry.meta, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[mint] = cachedMeta{meta: meta, fetchedAt: time.Now()}
	r.mu.Unlock()

	return meta, nil
}

// Claims returns the backend used for fee claims on mint.
func (r *Router) Claims(ctx context.Context, mint string) (API, error) {
	return r.Pick(ctx, mint, RouteAuto)
}
