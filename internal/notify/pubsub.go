package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/google/uuid"
)

// PubSubPublisher publishes to Google Cloud Pub/Sub topics of one project.
// Topic handles are created on first use and kept for batching.
type PubSubPublisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher creates a Pub/Sub client for project.
func NewPubSubPublisher(ctx context.Context, project string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("NewPubSubPublisher: creating client: %w", err)
	}
	return &PubSubPublisher{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

func (p *PubSubPublisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[id]; ok {
		return t
	}
	t := p.client.Topic(id)
	t.PublishSettings.CountThreshold = 1000
	t.PublishSettings.ByteThreshold = 10 << 20
	t.PublishSettings.DelayThreshold = 20 * time.Millisecond
	p.topics[id] = t
	return t
}

// Publish sends data and waits for the server to acknowledge it.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	res := p.topic(topic).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("Publish %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

// LogPublisher writes events to the context logger instead of a broker. It
// is used when no Google Cloud project is configured.
type LogPublisher struct{}

// Publish logs data and returns a local id.
func (LogPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	id := "local-" + uuid.New().String()
	log := logger.FromContext(ctx)
	log.Info().Str("topic", topic).Str("message_id", id).RawJSON("event", data).Msg("Event (not published)")
	return id, nil
}
