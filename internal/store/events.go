package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/reconcile"
	"github.com/sells-group/commsync/internal/resilience"
)

// rowScanner is satisfied by *sql.Row and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// rowIter abstracts *sql.Rows and pgx.Rows.
type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier is the statement surface shared by both backends. Queries use '?'
// placeholders; the Postgres adapter rebinds them.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args ...any) (rowIter, error)
}

// eventStore implements every Store operation on top of a backend's querier.
// Backends embed it and provide transactions, locking and error mapping.
type eventStore struct {
	name string
	// forUpdate is appended to row reads that precede a merge.
	forUpdate string
	read      querier
	inTx      func(ctx context.Context, fn func(q querier) error) error
	classify  func(error) error
	now       func() time.Time
}

func (s *eventStore) wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return resilience.Wrapf(s.classify(err), "%s: %s", s.name, msg)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// ts normalizes timestamps to UTC microseconds so both backends round-trip
// them exactly.
func ts(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

// --- Contacts ---

const contactColumns = `id, phone_number, display_name, source, created_at, updated_at`

func scanContact(row rowScanner) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.PhoneNumber, &c.DisplayName, &c.Source, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *eventStore) ResolveContact(ctx context.Context, phone, displayName string, source model.Source) (*model.Contact, error) {
	normalized := model.NormalizePhone(phone)
	if normalized == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "%s: contact phone %q has no digits", s.name, phone)
	}
	name := model.NormalizeName(displayName)

	var out *model.Contact
	err := s.inTx(ctx, func(q querier) error {
		now := s.now()
		if _, err := q.exec(ctx,
			`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (phone_number) DO NOTHING`,
			uuid.New().String(), normalized, name, string(source), now, now,
		); err != nil {
			return s.wrap(err, "insert contact")
		}

		c, err := scanContact(q.queryRow(ctx,
			`SELECT `+contactColumns+` FROM contacts WHERE phone_number = ?`+s.forUpdate, normalized))
		if err != nil {
			return s.wrap(err, "select contact")
		}

		if c.DisplayName == "" && name != "" {
			if _, err := q.exec(ctx,
				`UPDATE contacts SET display_name = ?, updated_at = ? WHERE id = ? AND display_name = ''`,
				name, now, c.ID,
			); err != nil {
				return s.wrap(err, "update contact name")
			}
			c.DisplayName = name
			c.UpdatedAt = now
		}
		out = c
		return nil
	})
	return out, err
}

func (s *eventStore) GetContactByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	normalized := model.NormalizePhone(phone)
	c, err := scanContact(s.read.queryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone_number = ?`, normalized))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: contact %s", s.name, normalized)
	}
	if err != nil {
		return nil, s.wrap(err, "get contact")
	}
	return c, nil
}

// --- Conversations ---

const conversationColumns = `id, external_id, contact_id, phone_number_id, last_activity_at,
	last_activity_type, last_activity_id, last_activity_external_id, created_at, updated_at`

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var externalID *string
	err := row.Scan(&c.ID, &externalID, &c.ContactID, &c.PhoneNumberID, &c.LastActivityAt,
		&c.LastActivityType, &c.LastActivityID, &c.LastActivityExternalID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		c.ExternalID = *externalID
	}
	return &c, nil
}

// ResolveConversation finds or creates the conversation for a contact.
// With an external id: match it, else adopt the contact's conversation that
// has no external id yet, else create. Without one: use the contact's most
// recent conversation, else create a placeholder.
func (s *eventStore) ResolveConversation(ctx context.Context, contactID, externalID, phoneNumberID string) (*model.Conversation, error) {
	if contactID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "%s: conversation needs a contact", s.name)
	}

	var out *model.Conversation
	err := s.inTx(ctx, func(q querier) error {
		var err error
		if externalID != "" {
			out, err = s.resolveByExternalID(ctx, q, contactID, externalID, phoneNumberID)
		} else {
			out, err = s.resolveForContact(ctx, q, contactID, phoneNumberID)
		}
		return err
	})
	return out, err
}

func (s *eventStore) resolveByExternalID(ctx context.Context, q querier, contactID, externalID, phoneNumberID string) (*model.Conversation, error) {
	selectByExternal := `SELECT ` + conversationColumns + ` FROM conversations WHERE external_id = ?`

	c, err := scanConversation(q.queryRow(ctx, selectByExternal, externalID))
	if err == nil {
		return c, nil
	}
	if !isNoRows(err) {
		return nil, s.wrap(err, "select conversation")
	}

	now := s.now()
	placeholder, err := scanConversation(q.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE contact_id = ? AND external_id IS NULL`+s.forUpdate, contactID))
	switch {
	case err == nil:
		n, err := q.exec(ctx,
			`UPDATE conversations SET external_id = ?, phone_number_id = ?, updated_at = ?
			 WHERE id = ? AND external_id IS NULL`,
			externalID, phoneNumberID, now, placeholder.ID,
		)
		if err != nil {
			return nil, s.wrap(err, "adopt conversation")
		}
		if n == 1 {
			placeholder.ExternalID = externalID
			placeholder.PhoneNumberID = phoneNumberID
			placeholder.UpdatedAt = now
			return placeholder, nil
		}
	case !isNoRows(err):
		return nil, s.wrap(err, "select placeholder conversation")
	}

	if _, err := q.exec(ctx,
		`INSERT INTO conversations (id, external_id, contact_id, phone_number_id, last_activity_type,
		 last_activity_id, last_activity_external_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', '', '', ?, ?) ON CONFLICT DO NOTHING`,
		uuid.New().String(), externalID, contactID, phoneNumberID, now, now,
	); err != nil {
		return nil, s.wrap(err, "insert conversation")
	}

	c, err = scanConversation(q.queryRow(ctx, selectByExternal, externalID))
	if err != nil {
		return nil, s.wrap(err, "select conversation after insert")
	}
	return c, nil
}

func (s *eventStore) resolveForContact(ctx context.Context, q querier, contactID, phoneNumberID string) (*model.Conversation, error) {
	selectLatest := `SELECT ` + conversationColumns + ` FROM conversations WHERE contact_id = ?
		ORDER BY COALESCE(last_activity_at, created_at) DESC, id LIMIT 1`

	c, err := scanConversation(q.queryRow(ctx, selectLatest, contactID))
	if err == nil {
		return c, nil
	}
	if !isNoRows(err) {
		return nil, s.wrap(err, "select contact conversation")
	}

	now := s.now()
	if _, err := q.exec(ctx,
		`INSERT INTO conversations (id, external_id, contact_id, phone_number_id, last_activity_type,
		 last_activity_id, last_activity_external_id, created_at, updated_at)
		 VALUES (?, NULL, ?, ?, '', '', '', ?, ?) ON CONFLICT DO NOTHING`,
		uuid.New().String(), contactID, phoneNumberID, now, now,
	); err != nil {
		return nil, s.wrap(err, "insert placeholder conversation")
	}

	c, err = scanConversation(q.queryRow(ctx, selectLatest, contactID))
	if err != nil {
		return nil, s.wrap(err, "select contact conversation after insert")
	}
	return c, nil
}

func (s *eventStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.read.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: conversation %s", s.name, id)
	}
	if err != nil {
		return nil, s.wrap(err, "get conversation")
	}
	return c, nil
}

// --- Activities ---

const activityColumns = `id, external_id, conversation_id, contact_id, type, direction, status, body,
	duration_seconds, recording_url, voicemail_url, ai_summary, ai_transcript, ai_content_status,
	occurred_at, source_updated_at, source, created_at, updated_at`

func scanActivity(row rowScanner) (*model.Activity, error) {
	var a model.Activity
	err := row.Scan(&a.ID, &a.ExternalID, &a.ConversationID, &a.ContactID, &a.Type, &a.Direction,
		&a.Status, &a.Body, &a.DurationSeconds, &a.RecordingURL, &a.VoicemailURL, &a.AISummary,
		&a.AITranscript, &a.AIContentStatus, &a.OccurredAt, &a.SourceUpdatedAt, &a.Source,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func normalizeActivity(a *model.Activity) {
	a.OccurredAt = ts(a.OccurredAt)
	a.SourceUpdatedAt = ts(a.SourceUpdatedAt)
	for i := range a.Media {
		a.Media[i].SourceURL = strings.TrimSpace(a.Media[i].SourceURL)
	}
}

// UpsertActivity inserts a by external id or merges it into the stored row,
// then advances the owning conversation's last-activity fields.
func (s *eventStore) UpsertActivity(ctx context.Context, a model.Activity) (*UpsertResult, error) {
	if a.ExternalID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "%s: activity has no external id", s.name)
	}
	if a.ConversationID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "%s: activity %s has no conversation", s.name, a.ExternalID)
	}
	normalizeActivity(&a)

	var res *UpsertResult
	err := s.inTx(ctx, func(q querier) error {
		var err error
		res, err = s.upsertActivity(ctx, q, a)
		if err != nil {
			return err
		}
		return s.advanceConversation(ctx, q, res.Activity)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *eventStore) upsertActivity(ctx context.Context, q querier, a model.Activity) (*UpsertResult, error) {
	now := s.now()
	a.ID = uuid.New().String()
	a.CreatedAt = now
	a.UpdatedAt = now

	var insertedID string
	err := q.queryRow(ctx,
		`INSERT INTO activities (`+activityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO NOTHING RETURNING id`,
		a.ID, a.ExternalID, a.ConversationID, a.ContactID, string(a.Type), string(a.Direction),
		a.Status, a.Body, a.DurationSeconds, a.RecordingURL, a.VoicemailURL, a.AISummary,
		a.AITranscript, string(a.AIContentStatus), a.OccurredAt, a.SourceUpdatedAt, string(a.Source),
		now, now,
	).Scan(&insertedID)

	if err == nil {
		media, err := s.insertMedia(ctx, q, insertedID, nil, a.Media)
		if err != nil {
			return nil, err
		}
		a.Media = media
		return &UpsertResult{Activity: a, Created: true}, nil
	}
	if !isNoRows(err) {
		return nil, s.wrap(err, "insert activity")
	}

	// Lost the insert: merge into the existing row.
	stored, err := scanActivity(q.queryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE external_id = ?`+s.forUpdate, a.ExternalID))
	if err != nil {
		return nil, s.wrap(err, "select activity for merge")
	}
	if stored.Media, err = s.listMedia(ctx, q, stored.ID); err != nil {
		return nil, err
	}

	merged, changed, err := reconcile.Merge(*stored, a)
	if err != nil {
		return nil, resilience.Wrapf(err, "%s: merge activity %s", s.name, a.ExternalID)
	}
	if !changed {
		return &UpsertResult{Activity: *stored}, nil
	}

	merged.UpdatedAt = now
	if _, err := q.exec(ctx,
		`UPDATE activities SET conversation_id = ?, contact_id = ?, type = ?, direction = ?, status = ?,
		 body = ?, duration_seconds = ?, recording_url = ?, voicemail_url = ?, ai_summary = ?,
		 ai_transcript = ?, ai_content_status = ?, occurred_at = ?, source_updated_at = ?, updated_at = ?
		 WHERE id = ?`,
		merged.ConversationID, merged.ContactID, string(merged.Type), string(merged.Direction),
		merged.Status, merged.Body, merged.DurationSeconds, merged.RecordingURL, merged.VoicemailURL,
		merged.AISummary, merged.AITranscript, string(merged.AIContentStatus), merged.OccurredAt,
		merged.SourceUpdatedAt, now, stored.ID,
	); err != nil {
		return nil, s.wrap(err, "update activity")
	}

	media, err := s.insertMedia(ctx, q, stored.ID, stored.Media, merged.Media)
	if err != nil {
		return nil, err
	}
	merged.Media = media
	return &UpsertResult{Activity: merged, Changed: true}, nil
}

func (s *eventStore) advanceConversation(ctx context.Context, q querier, a model.Activity) error {
	conv, err := scanConversation(q.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`+s.forUpdate, a.ConversationID))
	if isNoRows(err) {
		return resilience.WithKind(resilience.KindDependency,
			eris.Wrapf(ErrNotFound, "%s: conversation %s for activity %s", s.name, a.ConversationID, a.ExternalID))
	}
	if err != nil {
		return s.wrap(err, "select conversation for activity")
	}
	if !reconcile.Advances(*conv, a) {
		return nil
	}

	reconcile.ApplyLastActivity(conv, a)
	_, err = q.exec(ctx,
		`UPDATE conversations SET last_activity_at = ?, last_activity_type = ?, last_activity_id = ?,
		 last_activity_external_id = ?, updated_at = ? WHERE id = ?`,
		ts(*conv.LastActivityAt), string(conv.LastActivityType), conv.LastActivityID,
		conv.LastActivityExternalID, s.now(), conv.ID,
	)
	return s.wrap(err, "update conversation last activity")
}

func (s *eventStore) GetActivity(ctx context.Context, externalID string) (*model.Activity, error) {
	a, err := scanActivity(s.read.queryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE external_id = ?`, externalID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: activity %s", s.name, externalID)
	}
	if err != nil {
		return nil, s.wrap(err, "get activity")
	}
	if a.Media, err = s.listMedia(ctx, s.read, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *eventStore) CountActivities(ctx context.Context) (int, error) {
	var n int
	err := s.read.queryRow(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n)
	return n, s.wrap(err, "count activities")
}

// --- Media ---

const mediaColumns = `id, activity_id, source_url, cached_url, content_type, created_at`

func scanMedia(row rowScanner) (model.MediaAttachment, error) {
	var m model.MediaAttachment
	err := row.Scan(&m.ID, &m.ActivityID, &m.SourceURL, &m.CachedURL, &m.ContentType, &m.CreatedAt)
	return m, err
}

func (s *eventStore) listMedia(ctx context.Context, q querier, activityID string) ([]model.MediaAttachment, error) {
	rows, err := q.query(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments WHERE activity_id = ? ORDER BY created_at, id`, activityID)
	if err != nil {
		return nil, s.wrap(err, "list media")
	}
	defer rows.Close()

	var out []model.MediaAttachment
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, s.wrap(err, "scan media")
		}
		out = append(out, m)
	}
	return out, s.wrap(rows.Err(), "list media iterate")
}

// insertMedia writes the entries of want missing from have and returns the
// full list.
func (s *eventStore) insertMedia(ctx context.Context, q querier, activityID string, have, want []model.MediaAttachment) ([]model.MediaAttachment, error) {
	existing := make(map[string]bool, len(have))
	for _, m := range have {
		existing[m.SourceURL] = true
	}
	out := append([]model.MediaAttachment(nil), have...)
	now := s.now()
	for _, m := range want {
		if m.SourceURL == "" || existing[m.SourceURL] {
			continue
		}
		existing[m.SourceURL] = true
		m.ID = uuid.New().String()
		m.ActivityID = activityID
		m.CreatedAt = now
		if _, err := q.exec(ctx,
			`INSERT INTO media_attachments (`+mediaColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (activity_id, source_url) DO NOTHING`,
			m.ID, m.ActivityID, m.SourceURL, m.CachedURL, m.ContentType, now,
		); err != nil {
			return nil, s.wrap(err, "insert media")
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *eventStore) ListUncachedMedia(ctx context.Context, limit int) ([]model.MediaAttachment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.query(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments WHERE cached_url = '' ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, s.wrap(err, "list uncached media")
	}
	defer rows.Close()

	var out []model.MediaAttachment
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, s.wrap(err, "scan media")
		}
		out = append(out, m)
	}
	return out, s.wrap(rows.Err(), "list uncached media iterate")
}

// SetMediaCachedURL records the cached copy once. It reports false when the
// attachment already had one.
func (s *eventStore) SetMediaCachedURL(ctx context.Context, mediaID, cachedURL string) (bool, error) {
	if cachedURL == "" {
		return false, nil
	}
	var n int64
	err := s.inTx(ctx, func(q querier) error {
		var err error
		n, err = q.exec(ctx,
			`UPDATE media_attachments SET cached_url = ? WHERE id = ? AND cached_url = ''`, cachedURL, mediaID)
		return s.wrap(err, "set media cached url")
	})
	return n == 1, err
}

// --- Webhook events ---

const webhookColumns = `event_id, event_type, payload, status, processed, error, attempts,
	received_at, processed_at, updated_at`

func scanWebhookEvent(row rowScanner) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	var payload string
	err := row.Scan(&ev.EventID, &ev.EventType, &payload, &ev.Status, &ev.Processed, &ev.Error,
		&ev.Attempts, &ev.ReceivedAt, &ev.ProcessedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = []byte(payload)
	return &ev, nil
}

// RecordWebhookEvent upserts a delivery in the received state. A redelivery
// of an unprocessed event bumps its attempt count; processed rows are left
// untouched.
func (s *eventStore) RecordWebhookEvent(ctx context.Context, ev model.WebhookEvent) (*model.WebhookEvent, error) {
	if ev.EventID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "%s: webhook event has no id", s.name)
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	var out *model.WebhookEvent
	err := s.inTx(ctx, func(q querier) error {
		now := s.now()
		if _, err := q.exec(ctx,
			`INSERT INTO webhook_events (`+webhookColumns+`)
			 VALUES (?, ?, ?, ?, FALSE, '', 1, ?, NULL, ?)
			 ON CONFLICT (event_id) DO UPDATE SET
			   attempts = webhook_events.attempts + 1,
			   payload = excluded.payload,
			   status = excluded.status,
			   updated_at = excluded.updated_at
			 WHERE webhook_events.processed = FALSE`,
			ev.EventID, ev.EventType, payload, string(model.WebhookStatusReceived), now, now,
		); err != nil {
			return s.wrap(err, "record webhook event")
		}
		var err error
		out, err = scanWebhookEvent(q.queryRow(ctx,
			`SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = ?`, ev.EventID))
		return s.wrap(err, "select webhook event")
	})
	return out, err
}

func (s *eventStore) GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	ev, err := scanWebhookEvent(s.read.queryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = ?`, eventID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: webhook event %s", s.name, eventID)
	}
	if err != nil {
		return nil, s.wrap(err, "get webhook event")
	}
	return ev, nil
}

// MarkWebhookProcessed closes the event as processed or skipped. note is kept
// in the error column for skipped events.
func (s *eventStore) MarkWebhookProcessed(ctx context.Context, eventID string, status model.WebhookStatus, note string) error {
	return s.inTx(ctx, func(q querier) error {
		now := s.now()
		n, err := q.exec(ctx,
			`UPDATE webhook_events SET processed = TRUE, status = ?, error = ?, processed_at = ?, updated_at = ?
			 WHERE event_id = ?`,
			string(status), note, now, now, eventID,
		)
		if err != nil {
			return s.wrap(err, "mark webhook processed")
		}
		if n == 0 {
			return eris.Wrapf(ErrNotFound, "%s: webhook event %s", s.name, eventID)
		}
		return nil
	})
}

// MarkWebhookFailed records errMsg on an unprocessed event so a redelivery
// or replay can retry it.
func (s *eventStore) MarkWebhookFailed(ctx context.Context, eventID, errMsg string) error {
	errMsg = model.Truncate(errMsg, 2000)
	return s.inTx(ctx, func(q querier) error {
		_, err := q.exec(ctx,
			`UPDATE webhook_events SET status = ?, error = ?, updated_at = ?
			 WHERE event_id = ? AND processed = FALSE`,
			string(model.WebhookStatusFailed), errMsg, s.now(), eventID,
		)
		return s.wrap(err, "mark webhook failed")
	})
}

func (s *eventStore) ListWebhookEvents(ctx context.Context, filter WebhookFilter) ([]model.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.Unprocessed {
		query += ` AND processed = FALSE`
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY received_at, event_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.read.query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(err, "list webhook events")
	}
	defer rows.Close()

	var out []model.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, s.wrap(err, "scan webhook event")
		}
		out = append(out, *ev)
	}
	return out, s.wrap(rows.Err(), "list webhook events iterate")
}

func (s *eventStore) WebhookStats(ctx context.Context) (*model.WebhookStats, error) {
	rows, err := s.read.query(ctx,
		`SELECT event_type, status, COUNT(*) FROM webhook_events GROUP BY event_type, status ORDER BY event_type, status`)
	if err != nil {
		return nil, s.wrap(err, "webhook stats")
	}
	defer rows.Close()

	stats := &model.WebhookStats{ByType: make(map[string]model.WebhookCounts)}
	for rows.Next() {
		var eventType, status string
		var n int
		if err := rows.Scan(&eventType, &status, &n); err != nil {
			return nil, s.wrap(err, "scan webhook stats")
		}
		tc := stats.ByType[eventType]
		tc.Total += n
		stats.Total += n
		switch model.WebhookStatus(status) {
		case model.WebhookStatusProcessed:
			stats.Processed += n
			tc.Processed += n
		case model.WebhookStatusSkipped:
			stats.Skipped += n
			tc.Processed += n
		case model.WebhookStatusFailed:
			stats.Failed += n
			tc.Failed += n
		default:
			stats.Pending += n
		}
		stats.ByType[eventType] = tc
	}
	return stats, s.wrap(rows.Err(), "webhook stats iterate")
}

func (s *eventStore) Ping(ctx context.Context) error {
	var one int
	err := s.read.queryRow(ctx, `SELECT 1`).Scan(&one)
	return s.wrap(err, "ping")
}

// rebind converts '?' placeholders to Postgres '$n' form. Queries never
// contain literal question marks.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
