package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

type stubPage struct {
	status      int
	body        string
	contentType string
	err         error
}

// stubFetcher serves canned pages by exact URL. Unknown URLs answer 404.
type stubFetcher struct {
	mu       sync.Mutex
	pages    map[string][]stubPage
	requests []crawler.FetchRequest
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: make(map[string][]stubPage)}
}

// on queues responses for url; the last one repeats.
func (s *stubFetcher) on(url string, pages ...stubPage) *stubFetcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = append(s.pages[url], pages...)
	return s
}

func (s *stubFetcher) html(url, body string) *stubFetcher {
	return s.on(url, stubPage{status: http.StatusOK, body: body, contentType: "text/html; charset=utf-8"})
}

func (s *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	queue := s.pages[req.URL]
	if len(queue) == 0 {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound, Headers: http.Header{}}, nil
	}
	page := queue[0]
	if len(queue) > 1 {
		s.pages[req.URL] = queue[1:]
	}
	if page.err != nil {
		return crawler.FetchResponse{}, page.err
	}
	headers := http.Header{}
	if page.contentType != "" {
		headers.Set("Content-Type", page.contentType)
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: page.status,
		Headers:    headers,
		Body:       []byte(page.body),
		Duration:   10 * time.Millisecond,
	}, nil
}

func (s *stubFetcher) calls(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.URL == url {
			n++
		}
	}
	return n
}

func (s *stubFetcher) all() []crawler.FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.FetchRequest(nil), s.requests...)
}

// stubProxies hands out endpoints in order and records feedback.
type stubProxies struct {
	mu        sync.Mutex
	endpoints []crawler.ProxyEndpoint
	next      int
	successes []string
	failures  []string
}

func (p *stubProxies) Next(context.Context) (crawler.ProxyEndpoint, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return crawler.ProxyEndpoint{}, false, nil
	}
	e := p.endpoints[p.next%len(p.endpoints)]
	p.next++
	return e, true, nil
}

func (p *stubProxies) ReportSuccess(_ context.Context, id string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes = append(p.successes, id)
	return nil
}

func (p *stubProxies) ReportFailure(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, id)
	return nil
}

type countingLimiter struct {
	mu      sync.Mutex
	domains []string
	err     error
}

func (l *countingLimiter) Acquire(_ context.Context, domain string, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domains = append(l.domains, domain)
	return l.err
}

var errBoom = errors.New("boom")

func newTestBase(fetcher crawler.Fetcher, proxies ProxySource) *Base {
	return NewBase(fetcher, nil, proxies, nil, zap.NewNop(), BaseConfig{
		UserAgent:          "face-harvester-test",
		Attempts:           3,
		DisableRetrySleeps: true,
	})
}
