package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/queue/memory"
)

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	q, err := New(context.Background(), Config{Provider: ProviderMemory, Capacity: 4}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Queue{}, q)
	require.NoError(t, q.Close())

	q, err = New(context.Background(), Config{Provider: ProviderInline}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, q)

	_, err = New(context.Background(), Config{Provider: "kafka"}, zap.NewNop())
	require.Error(t, err)
}

func TestIsClosed(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	require.NoError(t, q.Close())
	_, err := q.Dequeue(context.Background())
	assert.True(t, IsClosed(err))
	assert.False(t, IsClosed(context.Canceled))
}
