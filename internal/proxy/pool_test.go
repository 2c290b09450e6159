package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChecker struct {
	bad map[string]bool
}

func (f fakeChecker) Check(_ context.Context, endpoint crawler.ProxyEndpoint) (time.Duration, error) {
	if f.bad[endpoint.ID] {
		return 0, errors.New("connect refused")
	}
	return 40 * time.Millisecond, nil
}

func seedProxies(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, store.CreateProxy(context.Background(), crawler.ProxyEndpoint{
			ID:       id,
			Address:  "10.0.0." + string(rune('1'+i)) + ":8080",
			Protocol: "http",
			Active:   true,
		}))
	}
}

func newTestPool(store *memory.Store, clock *fakeClock, cfg Config, checker Checker) *Pool {
	return NewPool(store, checker, clock, zap.NewNop(), cfg)
}

func TestNextRoundRobin(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a", "b", "c")
	pool := newTestPool(store, &fakeClock{}, Config{Strategy: StrategyRoundRobin}, nil)

	var got []string
	for i := 0; i < 4; i++ {
		p, ok, err := pool.Next(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestNextEmptyPool(t *testing.T) {
	t.Parallel()

	pool := newTestPool(memory.NewStore(), &fakeClock{}, Config{}, nil)
	_, ok, err := pool.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextLeastFailures(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a", "b")
	pool := newTestPool(store, &fakeClock{}, Config{Strategy: StrategyLeastFailures, FailureCeiling: 10}, nil)
	ctx := context.Background()

	_, _, err := pool.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.ReportFailure(ctx, "a"))

	for i := 0; i < 3; i++ {
		p, ok, err := pool.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", p.ID)
	}
}

func TestNextRandomStaysInPool(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a", "b")
	pool := newTestPool(store, &fakeClock{}, Config{Strategy: StrategyRandom}, nil)
	for i := 0; i < 20; i++ {
		p, ok, err := pool.Next(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, []string{"a", "b"}, p.ID)
	}
}

func TestReportFailureDeactivatesAtCeiling(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a", "b")
	pool := newTestPool(store, &fakeClock{}, Config{Strategy: StrategyRoundRobin, FailureCeiling: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.ReportFailure(ctx, "a"))
	}

	for i := 0; i < 5; i++ {
		p, ok, err := pool.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", p.ID, "deactivated proxy must not be selected")
	}

	n, err := pool.ReactivateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		p, _, err := pool.Next(ctx)
		require.NoError(t, err)
		seen[p.ID] = true
	}
	assert.True(t, seen["a"], "reactivated proxy should rotate back in")
}

func TestCacheRespectsTTL(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a")
	clock := &fakeClock{now: time.Unix(0, 0)}
	pool := newTestPool(store, clock, Config{CacheTTL: time.Minute}, nil)
	ctx := context.Background()

	_, _, err := pool.Next(ctx)
	require.NoError(t, err)

	// Out-of-band removal is not visible until the cache expires.
	require.NoError(t, store.DeleteProxy(ctx, "a"))
	p, ok, err := pool.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", p.ID)

	clock.Advance(61 * time.Second)
	_, ok, err = pool.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReportSuccessUpdatesAverage(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a")
	pool := newTestPool(store, &fakeClock{}, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, pool.ReportSuccess(ctx, "a", 100*time.Millisecond))
	require.NoError(t, pool.ReportSuccess(ctx, "a", 200*time.Millisecond))

	all, err := store.ListProxies(ctx, false)
	require.NoError(t, err)
	assert.InDelta(t, 150, all[0].AvgLatencyMs, 0.001)
	assert.EqualValues(t, 2, all[0].SuccessCount)
}

func TestHealthCheckAll(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedProxies(t, store, "a", "b", "c")
	pool := newTestPool(store, &fakeClock{}, Config{HealthConcurrency: 2}, fakeChecker{bad: map[string]bool{"b": true}})
	ctx := context.Background()

	report, err := pool.HealthCheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthReport{Checked: 3, Healthy: 2, Deactivated: 1}, report)

	active, err := store.ListProxies(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, p := range active {
		assert.NotEqual(t, "b", p.ID)
		assert.EqualValues(t, 1, p.SuccessCount)
	}
}

func TestHealthCheckRequiresChecker(t *testing.T) {
	t.Parallel()

	pool := newTestPool(memory.NewStore(), &fakeClock{}, Config{}, nil)
	_, err := pool.HealthCheckAll(context.Background())
	require.Error(t, err)
}
