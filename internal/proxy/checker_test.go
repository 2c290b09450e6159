package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/face-harvester/internal/fetcher/colly"
)

func proxyEndpoint(server *httptest.Server) crawler.ProxyEndpoint {
	return crawler.ProxyEndpoint{
		ID:       "p1",
		Address:  strings.TrimPrefix(server.URL, "http://"),
		Protocol: "http",
		Active:   true,
	}
}

func TestFetchCheckerRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "health.invalid", r.URL.Hostname())
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	checker := FetchChecker{
		Fetcher:   collyfetcher.New(collyfetcher.Config{Timeout: time.Second}),
		TargetURL: "http://health.invalid/generate_204",
		Timeout:   2 * time.Second,
	}
	latency, err := checker.Check(context.Background(), proxyEndpoint(upstream))
	require.NoError(t, err)
	assert.Positive(t, latency)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchCheckerRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	checker := FetchChecker{
		Fetcher:   collyfetcher.New(collyfetcher.Config{Timeout: time.Second}),
		TargetURL: "http://health.invalid/",
	}
	_, err := checker.Check(context.Background(), proxyEndpoint(upstream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}
