package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/commsync/internal/model"
)

// ErrNotFound is wrapped by lookups that find no row.
var ErrNotFound = eris.New("not found")

// UpsertResult describes what an activity upsert wrote.
type UpsertResult struct {
	Activity model.Activity
	// Created is true when this call inserted the row.
	Created bool
	// Changed is true when an existing row was modified by the merge.
	Changed bool
}

// WebhookFilter specifies criteria for listing webhook events.
type WebhookFilter struct {
	Status      model.WebhookStatus `json:"status,omitempty"`
	EventType   string              `json:"event_type,omitempty"`
	Unprocessed bool                `json:"unprocessed,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// Store is the idempotent event store shared by the webhook and import
// pipelines. Uniqueness is enforced by the schema; a losing concurrent
// insert is converted into a reconciled update.
type Store interface {
	// Contacts and conversations
	ResolveContact(ctx context.Context, phone, displayName string, source model.Source) (*model.Contact, error)
	GetContactByPhone(ctx context.Context, phone string) (*model.Contact, error)
	ResolveConversation(ctx context.Context, contactID, externalID, phoneNumberID string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// Activities
	UpsertActivity(ctx context.Context, a model.Activity) (*UpsertResult, error)
	GetActivity(ctx context.Context, externalID string) (*model.Activity, error)
	CountActivities(ctx context.Context) (int, error)

	// Media cache
	ListUncachedMedia(ctx context.Context, limit int) ([]model.MediaAttachment, error)
	SetMediaCachedURL(ctx context.Context, mediaID, cachedURL string) (bool, error)

	// Webhook event log
	RecordWebhookEvent(ctx context.Context, ev model.WebhookEvent) (*model.WebhookEvent, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, eventID string, status model.WebhookStatus, note string) error
	MarkWebhookFailed(ctx context.Context, eventID, errMsg string) error
	ListWebhookEvents(ctx context.Context, filter WebhookFilter) ([]model.WebhookEvent, error)
	WebhookStats(ctx context.Context) (*model.WebhookStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
