package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

const testProject = "face-harvester-test"

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, testProject, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic := "projects/" + testProject + "/topics/jobs"
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	require.NoError(t, err)
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  "projects/" + testProject + "/subscriptions/jobs-worker",
		Topic: topic,
	})
	require.NoError(t, err)
	return client
}

func newTestQueue(t *testing.T, client *pubsub.Client) *Queue {
	t.Helper()
	q := New(client, Config{Topic: "jobs", Subscription: "jobs-worker", MaxOutstanding: 1}, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueRoundTrip(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := crawler.QueueItem{JobID: "job-1", SourceID: "src-1", Attempt: 2, Submitted: 1700000000}
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestQueueDropsMalformedMessages(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw := client.Publisher("jobs")
	defer raw.Stop()
	_, err := raw.Publish(ctx, &pubsub.Message{Data: []byte("not json")}).Get(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: "job-2", SourceID: "src-1"}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-2", got.JobID)
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	client := newTestClient(t)
	q := New(client, Config{Topic: "jobs", Subscription: "jobs-worker"}, zap.NewNop())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
