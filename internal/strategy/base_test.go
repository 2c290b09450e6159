package strategy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

var pngHeader = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"

func TestBaseFetchRotatesProxyPerAttempt(t *testing.T) {
	t.Parallel()

	const target = "https://example.com/team"
	fetcher := newStubFetcher().on(target,
		stubPage{err: errBoom},
		stubPage{status: http.StatusTooManyRequests},
		stubPage{status: http.StatusOK, body: "<html></html>"},
	)
	proxies := &stubProxies{endpoints: []crawler.ProxyEndpoint{
		{ID: "p1", Address: "10.0.0.1:8080"},
		{ID: "p2", Address: "10.0.0.2:8080"},
		{ID: "p3", Address: "10.0.0.3:8080"},
	}}
	base := newTestBase(fetcher, proxies)

	resp, err := base.Fetch(context.Background(), Request{URL: target})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := fetcher.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, "http://10.0.0.1:8080", reqs[0].ProxyURL)
	assert.Equal(t, "http://10.0.0.2:8080", reqs[1].ProxyURL)
	assert.Equal(t, "http://10.0.0.3:8080", reqs[2].ProxyURL)
	assert.Equal(t, []string{"p1", "p2"}, proxies.failures)
	assert.Equal(t, []string{"p3"}, proxies.successes)
	assert.Equal(t, "face-harvester-test", reqs[0].Headers.Get("User-Agent"))
}

func TestBaseFetchDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher()
	base := newTestBase(fetcher, nil)

	resp, err := base.Fetch(context.Background(), Request{URL: "https://example.com/missing"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, fetcher.calls("https://example.com/missing"))
}

func TestBaseFetchGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	const target = "https://example.com/flaky"
	fetcher := newStubFetcher().on(target, stubPage{status: http.StatusBadGateway})
	base := newTestBase(fetcher, nil)

	_, err := base.Fetch(context.Background(), Request{URL: target})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 3, fetcher.calls(target))

	_, err = base.Fetch(context.Background(), Request{URL: target, Attempts: 1})
	require.Error(t, err)
	assert.Equal(t, 4, fetcher.calls(target))
}

func TestBaseFetchWaitsOnLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	const target = "https://Example.com/a"
	fetcher := newStubFetcher().on(target, stubPage{err: errBoom}, stubPage{status: http.StatusOK})
	limiter := &countingLimiter{}
	base := NewBase(fetcher, nil, nil, limiter, zap.NewNop(), BaseConfig{Attempts: 2, DisableRetrySleeps: true})

	_, err := base.Fetch(context.Background(), Request{URL: target})
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "example.com"}, limiter.domains)

	limiter.err = context.DeadlineExceeded
	_, err = base.Fetch(context.Background(), Request{URL: target})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBaseFetchCancelledContextStops(t *testing.T) {
	t.Parallel()

	const target = "https://example.com/slow"
	fetcher := newStubFetcher().on(target, stubPage{err: context.Canceled})
	proxies := &stubProxies{endpoints: []crawler.ProxyEndpoint{{ID: "p1", Address: "10.0.0.1:8080"}}}
	base := newTestBase(fetcher, proxies)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := base.Fetch(ctx, Request{URL: target})
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, fetcher.calls(target))
	assert.Empty(t, proxies.failures)
}

func TestFetchImageRequiresImage(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher().
		html("https://example.com/page.jpg", "<html>nope</html>").
		on("https://example.com/a.png", stubPage{status: http.StatusOK, body: pngHeader, contentType: "application/octet-stream"})
	base := newTestBase(fetcher, nil)

	_, _, err := base.FetchImage(context.Background(), Request{URL: "https://example.com/page.jpg"})
	require.ErrorIs(t, err, ErrNotImage)

	_, contentType, err := base.FetchImage(context.Background(), Request{URL: "https://example.com/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)

	reqs := fetcher.all()
	assert.Equal(t, "image", reqs[len(reqs)-1].Headers.Get("Sec-Fetch-Dest"))
}

func TestImageContentType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		body   string
		want   string
	}{
		{"image/jpeg", "", "image/jpeg"},
		{"image/webp; charset=binary", "", "image/webp"},
		{"image/svg+xml", "<svg/>", ""},
		{"text/html", pngHeader, ""},
		{"", pngHeader, "image/png"},
		{"binary/octet-stream", "GIF89a....", "image/gif"},
		{"", "plain text", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ImageContentType(tc.header, []byte(tc.body)), "%q", tc.header)
	}
}

type promoterFunc func(crawler.FetchResponse) bool

func (f promoterFunc) ShouldPromote(resp crawler.FetchResponse) bool { return f(resp) }

func TestBaseFetchPromotesShellPages(t *testing.T) {
	t.Parallel()

	const target = "https://example.com/people"
	plain := newStubFetcher().on(target, stubPage{status: http.StatusOK, body: `<div id="root"></div>`})
	rendered := newStubFetcher().on(target, stubPage{status: http.StatusOK, body: `<img src="/a.jpg">`})
	isShell := promoterFunc(func(resp crawler.FetchResponse) bool { return string(resp.Body) == `<div id="root"></div>` })
	base := NewBase(plain, rendered, nil, nil, zap.NewNop(), BaseConfig{Attempts: 2, DisableRetrySleeps: true}).
		WithRenderPromotion(isShell)

	resp, err := base.Fetch(context.Background(), Request{URL: target})
	require.NoError(t, err)
	assert.Equal(t, `<div id="root"></div>`, string(resp.Body))
	assert.Equal(t, 0, rendered.calls(target))

	resp, err = base.Fetch(context.Background(), Request{URL: target, AutoRender: true})
	require.NoError(t, err)
	assert.Equal(t, `<img src="/a.jpg">`, string(resp.Body))
	assert.Equal(t, 1, rendered.calls(target))
}

func TestBaseFetchKeepsPlainPageWhenRenderFails(t *testing.T) {
	t.Parallel()

	const target = "https://example.com/shell"
	plain := newStubFetcher().on(target, stubPage{status: http.StatusOK, body: "shell"})
	rendered := newStubFetcher().on(target, stubPage{err: errBoom})
	base := NewBase(plain, rendered, nil, nil, zap.NewNop(), BaseConfig{Attempts: 3, DisableRetrySleeps: true}).
		WithRenderPromotion(promoterFunc(func(crawler.FetchResponse) bool { return true }))

	resp, err := base.Fetch(context.Background(), Request{URL: target, AutoRender: true})
	require.NoError(t, err)
	assert.Equal(t, "shell", string(resp.Body))
	assert.Equal(t, 1, rendered.calls(target))
}
