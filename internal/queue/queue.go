// Package queue selects the job queue backend. Backends hand QueueItems from
// the dispatcher to the worker pool; the relational job row stays the source
// of truth, so a lost or duplicated item is reconciled by job status checks.
package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/queue/memory"
	"github.com/JakeFAU/face-harvester/internal/queue/pubsub"
)

// Queue is a crawler.Queue that owns resources.
type Queue interface {
	crawler.Queue
	Close() error
}

// Provider names.
const (
	ProviderInline = "inline"
	ProviderMemory = "memory"
	ProviderPubSub = "pubsub"
)

// Config selects and sizes a backend.
type Config struct {
	Provider string
	Capacity int
	PubSub   pubsub.Config
}

// New builds the configured backend. The inline provider has no queue; callers
// run jobs synchronously and New returns nil.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Queue, error) {
	switch cfg.Provider {
	case ProviderInline:
		return nil, nil
	case "", ProviderMemory:
		return memory.NewQueue(cfg.Capacity), nil
	case ProviderPubSub:
		q, err := pubsub.Dial(ctx, cfg.PubSub, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue provider %q", cfg.Provider)
	}
}

// IsClosed reports whether err means the backend was closed and will yield no more items.
func IsClosed(err error) bool {
	return errors.Is(err, memory.ErrClosed) || errors.Is(err, pubsub.ErrClosed)
}
