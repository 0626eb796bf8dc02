package model

import (
	"time"
)

// ActivityType distinguishes messages from calls.
type ActivityType string

const (
	ActivityTypeMessage ActivityType = "message"
	ActivityTypeCall    ActivityType = "call"
)

// Direction is the direction of a message or call relative to the workspace.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Source tags which pipeline produced a record.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceImport  Source = "import"
	SourceReplay  Source = "replay"
	SourceDryRun  Source = "dry_run"
)

// AIContentStatus tracks asynchronous AI enrichment of a call.
type AIContentStatus string

const (
	AIContentNone      AIContentStatus = ""
	AIContentPending   AIContentStatus = "pending"
	AIContentFailed    AIContentStatus = "failed"
	AIContentCompleted AIContentStatus = "completed"
)

// Rank orders AI statuses so that merges only move forward.
func (s AIContentStatus) Rank() int {
	switch s {
	case AIContentPending:
		return 1
	case AIContentFailed:
		return 2
	case AIContentCompleted:
		return 3
	default:
		return 0
	}
}

// Activity is a single message or call. ExternalID is the idempotency key.
type Activity struct {
	ID             string       `json:"id"`
	ExternalID     string       `json:"external_id"`
	ConversationID string       `json:"conversation_id"`
	ContactID      string       `json:"contact_id"`
	Type           ActivityType `json:"type"`
	Direction      Direction    `json:"direction,omitempty"`
	Status         string       `json:"status,omitempty"`
	Body           string       `json:"body,omitempty"`

	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	RecordingURL    string            `json:"recording_url,omitempty"`
	VoicemailURL    string            `json:"voicemail_url,omitempty"`
	AISummary       string            `json:"ai_summary,omitempty"`
	AITranscript    string            `json:"ai_transcript,omitempty"`
	AIContentStatus AIContentStatus   `json:"ai_content_status,omitempty"`
	Media           []MediaAttachment `json:"media,omitempty"`

	// OccurredAt and SourceUpdatedAt come from the provider and drive
	// latest-timestamp-wins merges. CreatedAt/UpdatedAt are local bookkeeping.
	OccurredAt      time.Time `json:"occurred_at"`
	SourceUpdatedAt time.Time `json:"source_updated_at"`
	Source          Source    `json:"source"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EventTime is the latest provider timestamp known for the activity.
func (a *Activity) EventTime() time.Time {
	if a.SourceUpdatedAt.After(a.OccurredAt) {
		return a.SourceUpdatedAt
	}
	return a.OccurredAt
}

// MediaAttachment is a media reference owned by one Activity.
type MediaAttachment struct {
	ID          string    `json:"id"`
	ActivityID  string    `json:"activity_id"`
	SourceURL   string    `json:"source_url"`
	CachedURL   string    `json:"cached_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
