package ice

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/store"
)

type sourceFunc func(ctx context.Context) ([]Server, error)

func (f sourceFunc) Fetch(ctx context.Context) ([]Server, error) { return f(ctx) }

func failingSource() Source {
	return sourceFunc(func(context.Context) ([]Server, error) {
		return nil, errors.New("unreachable")
	})
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var fallback = []Server{
	{URLs: []string{"stun:stun.example.com:19302"}},
}

func TestResolveFallsBackWhenAllSourcesFail(t *testing.T) {
	r := NewResolver(testStore(t), failingSource(), time.Minute, 2*time.Second, zap.NewNop(),
		WithSecondary(failingSource()))

	start := time.Now()
	got := r.Resolve(context.Background(), fallback)
	elapsed := time.Since(start)

	if elapsed > 2*time.Second+200*time.Millisecond {
		t.Fatalf("Resolve exceeded the budget: took %v", elapsed)
	}
	if len(got) != 1 || got[0].URLs[0] != fallback[0].URLs[0] {
		t.Fatalf("Expected the static fallback unmodified, got %+v", got)
	}
}

func TestResolveNeverReturnsEmpty(t *testing.T) {
	// A hanging source must not starve the caller past the budget.
	hanging := sourceFunc(func(ctx context.Context) ([]Server, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := NewResolver(testStore(t), hanging, time.Minute, 300*time.Millisecond, zap.NewNop(),
		WithSecondary(hanging))

	got := r.Resolve(context.Background(), fallback)
	if len(got) == 0 {
		t.Fatal("Resolve returned an empty list")
	}
}

func TestResolvePrimarySuccessIsCachedAndMerged(t *testing.T) {
	negotiated := []Server{
		{URLs: []string{"turn:relay.example.com:3478"}, Username: "u", Credential: "c"},
	}
	var calls atomic.Int32
	primary := sourceFunc(func(context.Context) ([]Server, error) {
		calls.Add(1)
		return negotiated, nil
	})

	r := NewResolver(testStore(t), primary, time.Minute, 2*time.Second, zap.NewNop())

	got := r.Resolve(context.Background(), fallback)
	if len(got) != 2 {
		t.Fatalf("Expected relay + static, got %+v", got)
	}
	// Relay servers come first: negotiation tries candidates in order.
	if got[0].URLs[0] != "turn:relay.example.com:3478" {
		t.Fatalf("Expected relay first, got %+v", got[0])
	}
	if calls.Load() != 1 {
		t.Fatalf("Expected exactly one fetch, got %d", calls.Load())
	}

	// Second resolve is served from cache.
	got = r.Resolve(context.Background(), fallback)
	if len(got) != 2 || got[0].Username != "u" {
		t.Fatalf("Expected cached relay merged with static, got %+v", got)
	}
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	primary := sourceFunc(func(context.Context) ([]Server, error) {
		calls.Add(1)
		return []Server{{URLs: []string{"turn:relay.example.com:3478"}}}, nil
	})

	ttl := 30 * time.Millisecond
	r := NewResolver(testStore(t), primary, ttl, 2*time.Second, zap.NewNop())

	r.Resolve(context.Background(), fallback)
	if calls.Load() != 1 {
		t.Fatalf("Expected one fetch, got %d", calls.Load())
	}

	time.Sleep(2 * ttl)

	// The cached set is past its TTL, so this is a real fetch.
	r.Resolve(context.Background(), fallback)
	if calls.Load() < 2 {
		t.Fatalf("Expected a re-fetch after TTL expiry, got %d calls", calls.Load())
	}
}

func TestResolveInvalidateForcesFetch(t *testing.T) {
	var calls atomic.Int32
	primary := sourceFunc(func(context.Context) ([]Server, error) {
		calls.Add(1)
		return []Server{{URLs: []string{"turn:relay.example.com:3478"}}}, nil
	})

	r := NewResolver(testStore(t), primary, time.Minute, 2*time.Second, zap.NewNop())
	r.Resolve(context.Background(), fallback)

	if err := r.Invalidate(context.Background()); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	r.Resolve(context.Background(), fallback)
	if calls.Load() < 2 {
		t.Fatalf("Expected fetch after invalidation, got %d calls", calls.Load())
	}
}

func TestResolveSecondarySource(t *testing.T) {
	secondary := sourceFunc(func(context.Context) ([]Server, error) {
		return []Server{{URLs: []string{"turn:backup.example.com:3478"}, Username: "b", Credential: "s"}}, nil
	})

	r := NewResolver(testStore(t), failingSource(), time.Minute, 2*time.Second, zap.NewNop(),
		WithSecondary(secondary))

	got := r.Resolve(context.Background(), fallback)
	if len(got) != 2 || got[0].URLs[0] != "turn:backup.example.com:3478" {
		t.Fatalf("Expected secondary relay first, got %+v", got)
	}
}

func TestMerge(t *testing.T) {
	relay := Server{URLs: []string{"turn:r:3478"}, Username: "u", Credential: "c"}
	stun := Server{URLs: []string{"stun:s:19302"}}

	testCases := []struct {
		name       string
		negotiated []Server
		static     []Server
		wantLen    int
		wantFirst  string
	}{
		{"relay ordered first", []Server{relay}, []Server{stun}, 2, "turn:r:3478"},
		{"duplicate static dropped", []Server{relay, stun}, []Server{stun}, 2, "turn:r:3478"},
		{"empty negotiated", nil, []Server{stun}, 1, "stun:s:19302"},
		{"same urls different credentials kept", []Server{relay},
			[]Server{{URLs: []string{"turn:r:3478"}}}, 2, "turn:r:3478"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Merge(tc.negotiated, tc.static)
			if len(got) != tc.wantLen {
				t.Fatalf("Expected %d servers, got %+v", tc.wantLen, got)
			}
			if got[0].URLs[0] != tc.wantFirst {
				t.Fatalf("Expected %s first, got %+v", tc.wantFirst, got[0])
			}
		})
	}
}
