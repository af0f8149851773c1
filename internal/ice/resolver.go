// ice/resolver.go
package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/store"
)

const cacheKey = "ice:servers"

// primaryTimeout bounds the broker call so the secondary source still gets
// a slice of the overall budget when the broker is slow.
const primaryTimeout = 1200 * time.Millisecond

// Source fetches relay credentials from one origin.
type Source interface {
	Fetch(ctx context.Context) ([]Server, error)
}

// Resolver produces the prioritized relay server list for call setup. The
// resolution chain is cache, then the backend credential broker, then a
// direct third-party source, then the caller's static fallback; the whole
// chain is bounded by a fixed wall-clock budget so credential fetching can
// never stall a call for more than a couple of seconds.
type Resolver struct {
	cache     *store.Store
	primary   Source
	secondary Source
	verifier  *Verifier

	ttl    time.Duration
	budget time.Duration
	logger *zap.Logger

	refreshing atomic.Bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSecondary sets the direct third-party source tried after the broker.
func WithSecondary(s Source) Option {
	return func(r *Resolver) { r.secondary = s }
}

// WithVerifier enables background reachability checks of resolved servers.
func WithVerifier(v *Verifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

func NewResolver(cache *store.Store, primary Source, ttl, budget time.Duration, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		cache:   cache,
		primary: primary,
		ttl:     ttl,
		budget:  budget,
		logger:  logger.Named("ice"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns merged(negotiated, staticFallback) within the budget. It
// never fails: when every live source is unreachable or the budget is
// spent, the static fallback is returned unmodified so a call can still
// attempt reflexive-only connectivity.
func (r *Resolver) Resolve(ctx context.Context, staticFallback []Server) []Server {
	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	if cached, ok := r.readCache(ctx); ok {
		// Fresh hit: serve it and refresh behind the caller's back so the
		// next call sees newer credentials.
		go r.refresh()
		return Merge(cached, staticFallback)
	}

	primaryCtx, primaryCancel := context.WithTimeout(ctx, primaryTimeout)
	servers, err := r.primary.Fetch(primaryCtx)
	primaryCancel()
	if err == nil && len(servers) > 0 {
		r.writeCache(servers)
		return Merge(servers, staticFallback)
	}
	if err != nil {
		r.logger.Debug("primary credential source failed", zap.Error(err))
	}

	if r.secondary != nil && ctx.Err() == nil {
		servers, err = r.secondary.Fetch(ctx)
		if err == nil && len(servers) > 0 {
			r.writeCache(servers)
			return Merge(servers, staticFallback)
		}
		if err != nil {
			r.logger.Debug("secondary credential source failed", zap.Error(err))
		}
	}

	r.logger.Warn("all credential sources failed, using static fallback only")
	return staticFallback
}

// Invalidate drops the cached credential set, forcing the next Resolve to
// hit a live source.
func (r *Resolver) Invalidate(ctx context.Context) error {
	return r.cache.Delete(ctx, cacheKey)
}

func (r *Resolver) readCache(ctx context.Context) ([]Server, bool) {
	raw, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("ice cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var servers []Server
	if err := json.Unmarshal(raw, &servers); err != nil {
		r.logger.Warn("ice cache entry corrupt, dropping", zap.Error(err))
		_ = r.cache.Delete(ctx, cacheKey)
		return nil, false
	}
	if len(servers) == 0 {
		return nil, false
	}
	return servers, true
}

func (r *Resolver) writeCache(servers []Server) {
	raw, err := json.Marshal(servers)
	if err != nil {
		r.logger.Warn("failed to marshal ice servers", zap.Error(err))
		return
	}
	if err := r.cache.Put(context.Background(), cacheKey, raw, r.ttl); err != nil {
		r.logger.Warn("ice cache write failed", zap.Error(err))
	}
	if r.verifier != nil {
		go r.verifier.Verify(servers)
	}
}

// refresh re-fetches from the primary source off the request path. At most
// one refresh runs at a time.
func (r *Resolver) refresh() {
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer r.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), primaryTimeout)
	defer cancel()

	servers, err := r.primary.Fetch(ctx)
	if err != nil || len(servers) == 0 {
		r.logger.Debug("background refresh failed", zap.Error(err))
		return
	}
	r.writeCache(servers)
}

// HTTPSource fetches credentials from an endpoint returning
// {"iceServers": [{urls, username, credential}]}.
type HTTPSource struct {
	URL    string
	Token  string
	Client *http.Client
}

type credentialResponse struct {
	IceServers []Server `json:"iceServers"`
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential request: %w", err)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
	}

	var body credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode credential response: %w", err)
	}
	return body.IceServers, nil
}
