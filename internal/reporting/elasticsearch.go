// Package reporting publishes pass summaries and failed_final events to the
// places operators look: an Elasticsearch index and an SNS alert topic.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"notification-monitor/internal/ledger"
	"notification-monitor/internal/monitor"
)

const (
	DefaultPassIndex    = "notification-passes"
	DefaultFailureIndex = "notification-failures"
)

type passDocument struct {
	monitor.Summary
	DurationMs int64 `json:"durationMs"`
}

// FailureDocument is how a failed_final event is indexed.
type FailureDocument struct {
	EventID         string    `json:"eventId"`
	EventType       string    `json:"eventType"`
	SubjectEntityID string    `json:"subjectEntityId"`
	Period          string    `json:"period"`
	RecipientEmail  string    `json:"recipientEmail"`
	Status          string    `json:"status"`
	AttemptCount    int       `json:"attemptCount"`
	LastError       string    `json:"lastError,omitempty"`
	LastAttemptAt   time.Time `json:"lastAttemptAt"`
	PassID          string    `json:"passId"`
}

func failureDocument(passID string, e ledger.Entry) FailureDocument {
	return FailureDocument{
		EventID:         e.Event.ID,
		EventType:       string(e.Event.Type),
		SubjectEntityID: e.Event.SubjectEntityID,
		Period:          e.Event.Period,
		RecipientEmail:  e.Event.Recipient.Email,
		Status:          string(e.Status),
		AttemptCount:    e.AttemptCount,
		LastError:       e.LastError,
		LastAttemptAt:   e.LastAttemptAt,
		PassID:          passID,
	}
}

// ElasticsearchReporter indexes every pass summary by pass id and every
// failed_final event by event id, so re-reporting overwrites.
type ElasticsearchReporter struct {
	client       *elasticsearch.Client
	passIndex    string
	failureIndex string
}

func NewElasticsearchReporter(client *elasticsearch.Client, passIndex, failureIndex string) *ElasticsearchReporter {
	if passIndex == "" {
		passIndex = DefaultPassIndex
	}
	if failureIndex == "" {
		failureIndex = DefaultFailureIndex
	}
	return &ElasticsearchReporter{client: client, passIndex: passIndex, failureIndex: failureIndex}
}

func (r *ElasticsearchReporter) Report(ctx context.Context, s monitor.Summary, final []ledger.Entry) error {
	doc, err := json.Marshal(passDocument{Summary: s, DurationMs: s.FinishedAt.Sub(s.StartedAt).Milliseconds()})
	if err != nil {
		return fmt.Errorf("encode pass summary: %w", err)
	}

	res, err := r.client.Index(r.passIndex, bytes.NewReader(doc),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(s.PassID),
	)
	if err != nil {
		return fmt.Errorf("index pass summary: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index pass summary: %s", res.String())
	}

	if len(final) == 0 {
		return nil
	}
	return r.indexFailures(ctx, s.PassID, final)
}

func (r *ElasticsearchReporter) indexFailures(ctx context.Context, passID string, final []ledger.Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range final {
		meta := map[string]map[string]string{"index": {"_index": r.failureIndex, "_id": e.Event.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(failureDocument(passID, e)); err != nil {
			return err
		}
	}

	res, err := r.client.Bulk(&buf, r.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index failed events: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index failed events: %s", res.String())
	}

	var body struct {
		Errors bool `json:"errors"`
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read bulk response: %w", err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if body.Errors {
		return fmt.Errorf("index failed events: bulk request reported item errors")
	}
	return nil
}
