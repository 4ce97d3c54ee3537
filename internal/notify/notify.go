// Package notify publishes conflict, update and error events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/llm"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/updates"
	"github.com/google/uuid"
)

// Publisher sends one message to a topic and returns its server id.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

// Topics names the destination of each event kind. An empty topic disables
// that kind.
type Topics struct {
	Duplicates string
	Updates    string
	Errors     string
}

// Notifier turns detection outcomes into events. Delivery is at least once.
type Notifier struct {
	pub    Publisher
	topics Topics
	now    func() time.Time
	newID  func() string
}

// New creates a Notifier over pub.
func New(pub Publisher, topics Topics) *Notifier {
	return &Notifier{
		pub:    pub,
		topics: topics,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

var jsonAttrs = map[string]string{"Content-Type": "application/json"}

func (n *Notifier) publish(ctx context.Context, kind, topic string, event interface{}) (bool, error) {
	log := logger.FromContext(ctx)
	if topic == "" {
		log.Debug().Str("kind", kind).Msg("No topic configured, event dropped")
		return false, nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("publish %s: encoding event: %w", kind, err)
	}
	id, err := n.pub.Publish(ctx, topic, data, jsonAttrs)
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", kind, err)
	}
	log.Info().Str("kind", kind).Str("topic", topic).Str("message_id", id).Msg("Event published")
	return true, nil
}

// PublishConflict publishes the conflict event of res. Non-conflict results
// are ignored.
func (n *Notifier) PublishConflict(ctx context.Context, tx domain.Transaction, res detector.Result, review *llm.Review) (bool, error) {
	if !res.IsConflict() {
		return false, nil
	}
	return n.publish(ctx, "conflict", n.topics.Duplicates, conflictEvent(n.newID(), tx, res, review, n.now()))
}

// PublishError publishes the error event of a failed check. msg is used
// since a failed check may not have produced a valid transaction.
func (n *Notifier) PublishError(ctx context.Context, msg domain.Message, res detector.Result) (bool, error) {
	if res.Status != detector.StatusError {
		return false, nil
	}
	return n.publish(ctx, "error", n.topics.Errors, errorEvent(n.newID(), msg, res, n.now()))
}

// PublishUpdates publishes one event per update and returns how many were sent.
func (n *Notifier) PublishUpdates(ctx context.Context, tx domain.Transaction, found []updates.Update) (int, error) {
	sent := 0
	for _, u := range found {
		ok, err := n.publish(ctx, "update", n.topics.Updates, updateEvent(n.newID(), tx, u, n.now()))
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}
