package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedConversation(t *testing.T, st Store, phone, externalID string) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	c, err := st.ResolveContact(ctx, phone, "", model.SourceWebhook)
	require.NoError(t, err)
	conv, err := st.ResolveConversation(ctx, c.ID, externalID, "PN1")
	require.NoError(t, err)
	return conv
}

func message(conv *model.Conversation, externalID string, at time.Time) model.Activity {
	return model.Activity{
		ExternalID:      externalID,
		ConversationID:  conv.ID,
		ContactID:       conv.ContactID,
		Type:            model.ActivityTypeMessage,
		Direction:       model.DirectionIncoming,
		Status:          "received",
		Body:            "hello",
		OccurredAt:      at,
		SourceUpdatedAt: at,
		Source:          model.SourceWebhook,
	}
}

// --- Contacts ---

func TestSQLite_ResolveContact_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.ResolveContact(ctx, "+1 (555) 010-2030", "", model.SourceWebhook)
	require.NoError(t, err)
	b, err := st.ResolveContact(ctx, "+15550102030", "Jane  Doe", model.SourceImport)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "+15550102030", b.PhoneNumber)
	assert.Equal(t, "Jane Doe", b.DisplayName)
	assert.Equal(t, model.SourceWebhook, b.Source)

	// Name is set once.
	c, err := st.ResolveContact(ctx, "+15550102030", "Someone Else", model.SourceImport)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", c.DisplayName)

	got, err := st.GetContactByPhone(ctx, "+1 555 010 2030")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestSQLite_ResolveContact_NoDigits(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.ResolveContact(context.Background(), "unknown", "", model.SourceWebhook)
	require.Error(t, err)
	assert.Equal(t, resilience.KindMalformed, resilience.KindOf(err))
}

func TestSQLite_GetContactByPhone_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetContactByPhone(context.Background(), "+15550000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Conversations ---

func TestSQLite_ResolveConversation_PlaceholderAdopted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := st.ResolveContact(ctx, "+15550102030", "", model.SourceWebhook)
	require.NoError(t, err)

	placeholder, err := st.ResolveConversation(ctx, c.ID, "", "")
	require.NoError(t, err)
	assert.Empty(t, placeholder.ExternalID)

	again, err := st.ResolveConversation(ctx, c.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, again.ID)

	adopted, err := st.ResolveConversation(ctx, c.ID, "CN1", "PN1")
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, adopted.ID)
	assert.Equal(t, "CN1", adopted.ExternalID)

	other, err := st.ResolveConversation(ctx, c.ID, "CN2", "PN1")
	require.NoError(t, err)
	assert.NotEqual(t, placeholder.ID, other.ID)

	same, err := st.ResolveConversation(ctx, c.ID, "CN1", "PN1")
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, same.ID)
}

func TestSQLite_ResolveConversation_RequiresContact(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.ResolveConversation(context.Background(), "", "CN1", "")
	require.Error(t, err)
	assert.Equal(t, resilience.KindMalformed, resilience.KindOf(err))
}

// --- Activities ---

func TestSQLite_UpsertActivity_CreateThenDuplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "+15550102030", "CN1")

	res, err := st.UpsertActivity(ctx, message(conv, "MSG1", testTime))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Changed)

	res, err = st.UpsertActivity(ctx, message(conv, "MSG1", testTime))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Changed)

	n, err := st.CountActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetActivity(ctx, "MSG1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.True(t, testTime.Equal(got.OccurredAt))
}

func TestSQLite_UpsertActivity_MergesLatestWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "+15550102030", "CN1")

	call := model.Activity{
		ExternalID: "AC1", ConversationID: conv.ID, ContactID: conv.ContactID,
		Type: model.ActivityTypeCall, Direction: model.DirectionIncoming,
		Status: "ringing", OccurredAt: testTime, SourceUpdatedAt: testTime,
	}
	_, err := st.UpsertActivity(ctx, call)
	require.NoError(t, err)

	d := 180
	call.Status = "completed"
	call.DurationSeconds = &d
	call.RecordingURL = "https://media.example/rec.mp3"
	call.SourceUpdatedAt = testTime.Add(3 * time.Minute)
	res, err := st.UpsertActivity(ctx, call)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	// A stale event with no recording must not regress anything.
	stale := call
	stale.Status = "in-progress"
	stale.RecordingURL = ""
	stale.DurationSeconds = nil
	stale.SourceUpdatedAt = testTime.Add(time.Minute)
	_, err = st.UpsertActivity(ctx, stale)
	require.NoError(t, err)

	got, err := st.GetActivity(ctx, "AC1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 180, *got.DurationSeconds)
	assert.Equal(t, "https://media.example/rec.mp3", got.RecordingURL)
}

func TestSQLite_UpsertActivity_IdentityConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "+15550102030", "CN1")

	_, err := st.UpsertActivity(ctx, message(conv, "MSG1", testTime))
	require.NoError(t, err)

	bad := message(conv, "MSG1", testTime.Add(time.Minute))
	bad.Direction = model.DirectionOutgoing
	_, err = st.UpsertActivity(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, resilience.KindConflict, resilience.KindOf(err))

	got, err := st.GetActivity(ctx, "MSG1")
	require.NoError(t, err)
	assert.Equal(t, model.DirectionIncoming, got.Direction)
}

func TestSQLite_UpsertActivity_Validation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.UpsertActivity(ctx, model.Activity{ConversationID: "x"})
	assert.Equal(t, resilience.KindMalformed, resilience.KindOf(err))

	_, err = st.UpsertActivity(ctx, model.Activity{ExternalID: "MSG1"})
	assert.Equal(t, resilience.KindMalformed, resilience.KindOf(err))
}

func TestSQLite_UpsertActivity_UnknownConversation(t *testing.T) {
	st := newTestSQLiteStore(t)
	conv := &model.Conversation{ID: "missing"}
	_, err := st.UpsertActivity(context.Background(), message(conv, "MSG1", testTime))
	require.Error(t, err)
}

func TestSQLite_UpsertActivity_ConcurrentSameExternalID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "+15550102030", "CN1")

	var wg sync.WaitGroup
	var created sync.Map
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := st.UpsertActivity(ctx, message(conv, "MSG-RACE", testTime.Add(time.Duration(i)*time.Second)))
			if assert.NoError(t, err) && res.Created {
				created.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	n, err := st.CountActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count := 0
	created.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
}

func TestSQLite_GetActivity_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetActivity(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ConversationLastActivity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "+15550102030", "CN1")

	_, err := st.UpsertActivity(ctx, message(conv, "MSG2", testTime.Add(time.Minute)))
	require.NoError(t, err)
	// Older activity arrives late; it must not become the last activity.
	_, err = st.UpsertActivity(ctx, message(conv, "MSG1", testTime))
	require.NoError(t, err)

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastActivityAt)
	assert.Equal(t, "MSG2", got.LastActivityExternalID)
	assert.Equal(t, model.ActivityTypeMessage, got.LastActivityType)
	assert.True(t, testTime.Add(time.Minute).Equal(*got.LastActivityAt))

	stored, err := st.GetActivity(ctx, "MSG2")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.LastActivityID)

	// An update that moves MSG1 past MSG2 advances the conversation.
	later := message(conv, "MSG1", testTime)
	later.SourceUpdatedAt = testTime.Add(2 * time.Minute)
	later.Status = "read"
	_, err = st.UpsertActivity(ctx, later)
	require.NoError(t, err)

	got, err = st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "MSG1", got.LastActivityExternalID)
}

// --- Media ---

func TestSQLite_Media_UnionAndCache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "+15550102030", "CN1")

	a := message(conv, "MSG1", testTime)
	a.Media = []model.MediaAttachment{{SourceURL: "https://m.example/1.jpg", ContentType: "image/jpeg"}}
	_, err := st.UpsertActivity(ctx, a)
	require.NoError(t, err)

	a.Media = []model.MediaAttachment{{SourceURL: "https://m.example/1.jpg"}, {SourceURL: "https://m.example/2.jpg"}}
	_, err = st.UpsertActivity(ctx, a)
	require.NoError(t, err)

	a.Media = nil
	_, err = st.UpsertActivity(ctx, a)
	require.NoError(t, err)

	got, err := st.GetActivity(ctx, "MSG1")
	require.NoError(t, err)
	require.Len(t, got.Media, 2)

	pending, err := st.ListUncachedMedia(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	ok, err := st.SetMediaCachedURL(ctx, pending[0].ID, "s3://bucket/media/1.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SetMediaCachedURL(ctx, pending[0].ID, "s3://bucket/media/other.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = st.ListUncachedMedia(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// --- Webhook events ---

func TestSQLite_WebhookEvents_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ev := model.WebhookEvent{EventID: "EV1", EventType: "message.received", Payload: json.RawMessage(`{"id":"EV1"}`)}
	rec, err := st.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusReceived, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.Processed)

	require.NoError(t, st.MarkWebhookFailed(ctx, "EV1", "database is locked"))
	rec, err = st.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)

	require.NoError(t, st.MarkWebhookProcessed(ctx, "EV1", model.WebhookStatusProcessed, ""))
	got, err := st.GetWebhookEvent(ctx, "EV1")
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.NotNil(t, got.ProcessedAt)
	assert.JSONEq(t, `{"id":"EV1"}`, string(got.Payload))

	// Processed rows are immutable to redelivery.
	rec, err = st.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.Processed)

	// A failure after processing does not reopen the event.
	require.NoError(t, st.MarkWebhookFailed(ctx, "EV1", "late"))
	got, err = st.GetWebhookEvent(ctx, "EV1")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusProcessed, got.Status)
}

func TestSQLite_WebhookEvents_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetWebhookEvent(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = st.MarkWebhookProcessed(ctx, "missing", model.WebhookStatusProcessed, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_WebhookEvents_ListAndStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, typ := range []string{"message.received", "message.received", "call.completed", "call.ringing", "contact.updated"} {
		_, err := st.RecordWebhookEvent(ctx, model.WebhookEvent{
			EventID: fmt.Sprintf("EV%d", i), EventType: typ, Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkWebhookProcessed(ctx, "EV0", model.WebhookStatusProcessed, ""))
	require.NoError(t, st.MarkWebhookProcessed(ctx, "EV1", model.WebhookStatusProcessed, ""))
	require.NoError(t, st.MarkWebhookFailed(ctx, "EV2", "boom"))
	require.NoError(t, st.MarkWebhookProcessed(ctx, "EV4", model.WebhookStatusSkipped, "unknown event type"))

	stats, err := st.WebhookStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 2, stats.ByType["message.received"].Processed)
	assert.Equal(t, 1, stats.ByType["call.completed"].Failed)

	failed, err := st.ListWebhookEvents(ctx, WebhookFilter{Status: model.WebhookStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "EV2", failed[0].EventID)
	assert.Equal(t, "boom", failed[0].Error)

	open, err := st.ListWebhookEvents(ctx, WebhookFilter{Unprocessed: true})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	calls, err := st.ListWebhookEvents(ctx, WebhookFilter{EventType: "call.ringing"})
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestSQLite_MemoryStore(t *testing.T) {
	st, err := NewMemorySQLite()
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Ping(ctx))

	conv := seedConversation(t, st, "+15550102030", "CN1")
	_, err = st.UpsertActivity(ctx, message(conv, "MSG1", testTime))
	require.NoError(t, err)
	n, err := st.CountActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}
