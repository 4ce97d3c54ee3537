package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/llm"
	"github.com/dvloznov/finance-dedup/internal/similarity"
	"github.com/dvloznov/finance-dedup/internal/updates"
	"github.com/shopspring/decimal"
)

type published struct {
	topic string
	data  []byte
	attrs map[string]string
}

type mockPublisher struct {
	sent        []published
	PublishFunc func(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	m.sent = append(m.sent, published{topic, data, attrs})
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, data, attrs)
	}
	return "msg-1", nil
}

var fixedNow = time.Date(2024, time.March, 16, 10, 0, 0, 0, time.UTC)

func newTestNotifier(pub Publisher, topics Topics) *Notifier {
	n := New(pub, topics)
	n.now = func() time.Time { return fixedNow }
	n.newID = func() string { return "evt-1" }
	return n
}

var topics = Topics{Duplicates: "analyze-transactions", Updates: "similarity-transactions", Errors: "duplicate-transactions-errors"}

func sampleTx() domain.Transaction {
	return domain.Transaction{
		CompanyID:       "c-1",
		Bank:            "bbva",
		AccountNumber:   "0001",
		Concept:         "PAGO NOMINA",
		Amount:          decimal.RequireFromString("-1000"),
		TransactionDate: civil.Date{Year: 2024, Month: time.March, Day: 15},
		Checksum:        "B",
	}
}

func TestTypeForReason(t *testing.T) {
	tests := []struct {
		reason detector.Reason
		want   ConflictType
	}{
		{detector.ReasonEnrichedConcept, ConflictConcept},
		{detector.ReasonConceptAmountUpdate, ConflictConceptImport},
		{detector.ReasonDateChange, ConflictDate},
		{detector.ReasonInvalidTransaction, ConflictError},
		{detector.ReasonStoreFailure, ConflictError},
		{detector.ReasonNewTransaction, ConflictUnknown},
	}
	for _, tt := range tests {
		if got := TypeForReason(tt.reason); got != tt.want {
			t.Errorf("TypeForReason(%s) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestPublishConflict(t *testing.T) {
	pub := &mockPublisher{}
	n := newTestNotifier(pub, topics)
	res := detector.Result{
		Status: detector.StatusConflict,
		Reason: detector.ReasonEnrichedConcept,
		Conflicts: []detector.Conflict{{
			ID:      "A",
			Concept: "PAGO NOM",
			Amount:  decimal.RequireFromString("-1000"),
			Metrics: similarity.Compare("PAGO NOM", "PAGO NOMINA"),
		}},
	}

	ok, err := n.PublishConflict(context.Background(), sampleTx(), res, &llm.Review{Classification: "update", Reason: "enriched"})
	if err != nil || !ok {
		t.Fatalf("PublishConflict() = %v, %v", ok, err)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != "analyze-transactions" || pub.sent[0].attrs["Content-Type"] != "application/json" {
		t.Fatalf("unexpected publish: %+v", pub.sent)
	}

	var event map[string]interface{}
	if err := json.Unmarshal(pub.sent[0].data, &event); err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"event_id":         "evt-1",
		"checksum_old":     "A",
		"checksum_new":     "B",
		"date":             "2024-03-15",
		"type_of_conflict": "CONCEPT",
		"reason":           "enriched_concept",
	}
	for k, v := range want {
		if event[k] != v {
			t.Errorf("event[%s] = %v, want %v", k, event[k], v)
		}
	}
	if review, _ := event["llm_review"].(map[string]interface{}); review["classification"] != "update" {
		t.Errorf("llm_review = %v", event["llm_review"])
	}
}

func TestPublishConflict_Skips(t *testing.T) {
	pub := &mockPublisher{}
	ctx := context.Background()

	n := newTestNotifier(pub, topics)
	if ok, err := n.PublishConflict(ctx, sampleTx(), detector.Result{Status: detector.StatusNoConflict, Reason: detector.ReasonNewTransaction}, nil); ok || err != nil {
		t.Errorf("non-conflicts must not be published: %v, %v", ok, err)
	}

	n = newTestNotifier(pub, Topics{})
	conflict := detector.Result{Status: detector.StatusConflict, Reason: detector.ReasonDateChange}
	if ok, err := n.PublishConflict(ctx, sampleTx(), conflict, nil); ok || err != nil {
		t.Errorf("unconfigured topic must drop the event: %v, %v", ok, err)
	}
	if len(pub.sent) != 0 {
		t.Errorf("nothing should be sent: %+v", pub.sent)
	}
}

func TestPublishError(t *testing.T) {
	pub := &mockPublisher{}
	n := newTestNotifier(pub, topics)
	res := detector.Result{Status: detector.StatusError, Reason: detector.ReasonInvalidTransaction, Error: "invalid transaction: bank: required"}

	ok, err := n.PublishError(context.Background(), domain.Message{Checksum: "X", CompanyID: "c-1"}, res)
	if err != nil || !ok {
		t.Fatalf("PublishError() = %v, %v", ok, err)
	}
	var event ErrorEvent
	if err := json.Unmarshal(pub.sent[0].data, &event); err != nil {
		t.Fatal(err)
	}
	if pub.sent[0].topic != "duplicate-transactions-errors" || event.Bank != "N/A" || event.TypeOfConflict != ConflictError || event.ErrorMessage != res.Error {
		t.Errorf("unexpected error event: %+v", event)
	}
}

func TestPublishUpdates(t *testing.T) {
	pub := &mockPublisher{}
	n := newTestNotifier(pub, topics)
	found := []updates.Update{
		{OriginalID: "A", NewID: "B", Metrics: similarity.Compare("SPEI ENVIADO", "SPEI ENVIADO BANORTE")},
		{OriginalID: "C", NewID: "B", Metrics: similarity.Compare("SPEI", "SPEI ENVIADO BANORTE")},
	}

	sent, err := n.PublishUpdates(context.Background(), sampleTx(), found)
	if err != nil || sent != 2 {
		t.Fatalf("PublishUpdates() = %d, %v", sent, err)
	}
	var event UpdateEvent
	if err := json.Unmarshal(pub.sent[0].data, &event); err != nil {
		t.Fatal(err)
	}
	if event.OriginalChecksum != "A" || event.NewChecksum != "B" || event.LevenshteinDistance != found[0].Metrics.EditDistance || event.Date != "2024-03-15" {
		t.Errorf("unexpected update event: %+v", event)
	}
}

func TestPublish_Failure(t *testing.T) {
	pub := &mockPublisher{PublishFunc: func(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
		return "", errors.New("deadline exceeded")
	}}
	n := newTestNotifier(pub, topics)

	sent, err := n.PublishUpdates(context.Background(), sampleTx(), []updates.Update{{OriginalID: "A", NewID: "B"}, {OriginalID: "C", NewID: "B"}})
	if err == nil || sent != 0 || len(pub.sent) != 1 {
		t.Errorf("PublishUpdates() = %d, %v after %d attempts", sent, err, len(pub.sent))
	}
}

func TestLogPublisher(t *testing.T) {
	id, err := LogPublisher{}.Publish(context.Background(), "t", []byte(`{"a":1}`), nil)
	if err != nil || id == "" {
		t.Errorf("Publish() = %q, %v", id, err)
	}
}
