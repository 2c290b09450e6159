package strategy

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const robotsURL = "https://example.com/robots.txt"

func TestRobotsCacheRetriesUnreachableHost(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher().on(robotsURL,
		stubPage{err: errBoom},
		stubPage{status: http.StatusOK, body: robotsBody, contentType: "text/plain"},
	)
	robots := NewRobotsCache(newTestBase(fetcher, nil), "face-harvester-test", zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	robots.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, robots.Allowed(ctx, "https://example.com/private/a"), "unreachable robots allows")
	assert.True(t, robots.Allowed(ctx, "https://example.com/private/b"))
	assert.Equal(t, 1, fetcher.calls(robotsURL), "failure is remembered for the retry interval")

	now = now.Add(robotsRetryInterval + time.Second)
	assert.False(t, robots.Allowed(ctx, "https://example.com/private/a"))
	assert.False(t, robots.Allowed(ctx, "https://example.com/private/b"))
	assert.Equal(t, 2, fetcher.calls(robotsURL))

	now = now.Add(24 * time.Hour)
	assert.True(t, robots.Allowed(ctx, "https://example.com/public"))
	assert.Equal(t, 2, fetcher.calls(robotsURL), "a fetched robots.txt is kept")
}

func TestRobotsCacheIgnoresCancelledFetch(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher().on(robotsURL,
		stubPage{err: context.Canceled},
		stubPage{status: http.StatusOK, body: robotsBody, contentType: "text/plain"},
	)
	robots := NewRobotsCache(newTestBase(fetcher, nil), "face-harvester-test", zap.NewNop())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, robots.Allowed(cancelled, "https://example.com/private/a"))

	assert.False(t, robots.Allowed(context.Background(), "https://example.com/private/a"))
	assert.Equal(t, 2, fetcher.calls(robotsURL))
}

func TestRobotsCacheServerErrorDisallows(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher().on(robotsURL, stubPage{status: http.StatusServiceUnavailable})
	robots := NewRobotsCache(newTestBase(fetcher, nil), "face-harvester-test", zap.NewNop())

	assert.False(t, robots.Allowed(context.Background(), "https://example.com/team"))
	assert.False(t, robots.Allowed(context.Background(), "https://example.com/about"))
	assert.Equal(t, 1, fetcher.calls(robotsURL))
}
