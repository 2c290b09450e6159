// Package pubsub implements a durable job queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("pubsub queue closed")

// Config names the Pub/Sub resources backing the queue.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
	// MaxOutstanding caps messages pulled but not yet handed to a worker.
	MaxOutstanding int
}

type delivery struct {
	item crawler.QueueItem
	msg  *pubsub.Message
}

// Queue publishes QueueItems as JSON and hands received messages to Dequeue
// callers one at a time. A message is acked once a caller has taken it.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	deliveries chan delivery
	startOnce  sync.Once
	cancel     context.CancelFunc
	done       chan struct{}

	mu         sync.Mutex
	closed     bool
	receiveErr error
}

// Dial connects to Pub/Sub and checks the topic exists before returning.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: fullTopicName(cfg.ProjectID, cfg.Topic),
	})
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic lookup failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.Topic, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE && topic.State != pubsubpb.Topic_STATE_UNSPECIFIED {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic state check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q is %s", cfg.Topic, topic.State)
	}
	q := New(client, cfg, logger)
	q.ownsClient = true
	return q, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	subscriber := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return &Queue{
		client:     client,
		publisher:  client.Publisher(cfg.Topic),
		subscriber: subscriber,
		logger:     logger,
		deliveries: make(chan delivery),
		done:       make(chan struct{}),
	}
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// Enqueue publishes item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	result := q.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": item.JobID, "source_id": item.SourceID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives, the context ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		q.mu.Lock()
		err := q.receiveErr
		q.mu.Unlock()
		if err != nil {
			return crawler.QueueItem{}, fmt.Errorf("pubsub receive: %w", err)
		}
		return crawler.QueueItem{}, ErrClosed
	case d := <-q.deliveries:
		d.msg.Ack()
		return d.item, nil
	}
}

func (q *Queue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancel = cancel
	closed := q.closed
	q.mu.Unlock()
	if closed {
		cancel()
		close(q.done)
		return
	}

	go func() {
		defer close(q.done)
		err := q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var item crawler.QueueItem
			if err := json.Unmarshal(msg.Data, &item); err != nil || item.JobID == "" {
				q.logger.Warn("dropping malformed queue message", zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- delivery{item: item, msg: msg}:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
			q.mu.Lock()
			q.receiveErr = err
			q.mu.Unlock()
		}
	}()
}

// Close stops receiving, flushes pending publishes and, when the queue dialed
// its own client, closes it.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-q.done
	} else {
		// Receiving never started; mark done so blocked callers return.
		q.startOnce.Do(func() { close(q.done) })
	}
	q.publisher.Stop()
	if q.ownsClient {
		if err := q.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
