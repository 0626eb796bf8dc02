package model

import (
	"encoding/json"
	"time"
)

// WebhookStatus is the lifecycle state of a webhook delivery.
type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "received"
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusSkipped   WebhookStatus = "skipped"
	WebhookStatusFailed    WebhookStatus = "failed"
)

// WebhookEvent is the raw-event audit log row. It exists for idempotency
// detection and replay; derived activities carry the business state.
type WebhookEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      WebhookStatus   `json:"status"`
	Processed   bool            `json:"processed"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WebhookStats summarizes the webhook event log.
type WebhookStats struct {
	Total     int                      `json:"total" yaml:"total"`
	Processed int                      `json:"processed" yaml:"processed"`
	Skipped   int                      `json:"skipped" yaml:"skipped"`
	Failed    int                      `json:"failed" yaml:"failed"`
	Pending   int                      `json:"pending" yaml:"pending"`
	ByType    map[string]WebhookCounts `json:"by_type" yaml:"by_type"`
}

// WebhookCounts is the per-event-type breakdown.
type WebhookCounts struct {
	Total     int `json:"total" yaml:"total"`
	Processed int `json:"processed" yaml:"processed"`
	Failed    int `json:"failed" yaml:"failed"`
}

// FailureRate is failed / (processed + failed), or 0 with no finished events.
func (s *WebhookStats) FailureRate() float64 {
	finished := s.Processed + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Failed) / float64(finished)
}
