package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// MockQueue is a testify mock of Queue.
type MockQueue struct {
	mock.Mock
}

// Enqueue records the call.
func (m *MockQueue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Dequeue records the call.
func (m *MockQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	args := m.Called(ctx)
	item, _ := args.Get(0).(crawler.QueueItem)
	return item, args.Error(1)
}

// Close records the call.
func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}
