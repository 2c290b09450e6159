package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// checkBodyLimit caps how much of the health target is read.
const checkBodyLimit = 64 * 1024

// FetchChecker issues a GET through the proxy with the shared page fetcher and
// expects a 2xx answer.
type FetchChecker struct {
	Fetcher   crawler.Fetcher
	TargetURL string
	Timeout   time.Duration
}

// Check implements Checker.
func (f FetchChecker) Check(ctx context.Context, endpoint crawler.ProxyEndpoint) (time.Duration, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := f.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:          f.TargetURL,
		ProxyURL:     endpoint.URL(),
		MaxBodyBytes: checkBodyLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("health check %s: %w", endpoint.Address, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("health check %s: unexpected status %d", endpoint.Address, resp.StatusCode)
	}
	if resp.Duration > 0 {
		return resp.Duration, nil
	}
	return time.Since(start), nil
}
