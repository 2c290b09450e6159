package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// ErrDisabled is returned by Noop for every fetch.
var ErrDisabled = errors.New("headless rendering disabled")

// Noop stands in for the renderer when headless.enabled is false. Sources
// that ask for JavaScript rendering then fail their page fetches loudly.
type Noop struct{}

// NewNoop creates a Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", req.URL, ErrDisabled)
}
