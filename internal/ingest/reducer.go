// Package ingest holds the per-type reducers that turn provider records into
// Event Store writes. The webhook router and the batch importer share them,
// so a record has the same effect whichever path delivered it.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/resilience"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/pkg/openphone"
)

// Origin describes where a record came from.
type Origin struct {
	Source model.Source
	// At is the provider's delivery timestamp, when known. It counts as a
	// source update time for latest-timestamp-wins merges.
	At time.Time
	// ContactName is applied to a contact that has no display name yet.
	ContactName string
	// ConversationID is used when the record itself carries none.
	ConversationID string
	// PhoneNumberID is used when the record itself carries none.
	PhoneNumberID string
}

// Reducer applies provider records to the Event Store.
type Reducer struct {
	store    store.Store
	contacts *contactCache
	log      *zap.Logger
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithContactTTL sets how long resolved contacts are cached. Default: 10m.
func WithContactTTL(ttl time.Duration) Option {
	return func(r *Reducer) {
		if ttl > 0 {
			r.contacts = newContactCache(r.store, ttl)
		}
	}
}

// New creates a Reducer writing to st.
func New(st store.Store, opts ...Option) *Reducer {
	r := &Reducer{
		store:    st,
		contacts: newContactCache(st, 10*time.Minute),
		log:      zap.L().With(zap.String("component", "ingest")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the store the reducer writes to.
func (r *Reducer) Store() store.Store {
	return r.store
}

// Message upserts a text message.
func (r *Reducer) Message(ctx context.Context, m *openphone.Message, o Origin) (*store.UpsertResult, error) {
	if m == nil || m.ID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: message has no id")
	}
	phone := m.Counterpart()
	if phone == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: message %s has no counterpart phone", m.ID)
	}
	conv, err := r.conversation(ctx, phone, firstNonEmpty(m.ConversationID, o.ConversationID),
		firstNonEmpty(m.PhoneNumberID, o.PhoneNumberID), o)
	if err != nil {
		return nil, resilience.Wrapf(err, "ingest: message %s", m.ID)
	}

	a := model.Activity{
		ExternalID:      m.ID,
		ConversationID:  conv.ID,
		ContactID:       conv.ContactID,
		Type:            model.ActivityTypeMessage,
		Direction:       direction(m.Direction),
		Status:          strings.ToLower(m.Status),
		Body:            m.Content(),
		OccurredAt:      m.CreatedAt,
		SourceUpdatedAt: latest(m.CreatedAt, m.UpdatedAt, &o.At),
		Source:          o.Source,
	}
	for _, media := range m.Media {
		if media.URL == "" {
			continue
		}
		a.Media = append(a.Media, model.MediaAttachment{SourceURL: media.URL, ContentType: media.Type})
	}
	return r.upsert(ctx, a)
}

// Call upserts a call. Recording media and voicemail on the call object are
// applied as well. A completed call with no AI content yet is marked pending.
func (r *Reducer) Call(ctx context.Context, c *openphone.Call, o Origin) (*store.UpsertResult, error) {
	if c == nil || c.ID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: call has no id")
	}
	phone := c.Counterpart()
	if phone == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: call %s has no counterpart phone", c.ID)
	}
	conv, err := r.conversation(ctx, phone, firstNonEmpty(c.ConversationID, o.ConversationID),
		firstNonEmpty(c.PhoneNumberID, o.PhoneNumberID), o)
	if err != nil {
		return nil, resilience.Wrapf(err, "ingest: call %s", c.ID)
	}

	a := callActivity(c, o)
	a.ConversationID = conv.ID
	a.ContactID = conv.ContactID
	return r.upsert(ctx, a)
}

// Recording attaches the recording media of a call. When the call has not
// been seen yet, the call itself is created from c.
func (r *Reducer) Recording(ctx context.Context, c *openphone.Call, o Origin) (*store.UpsertResult, error) {
	if c == nil || c.ID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: recording has no call id")
	}
	url := recordingURL(c.Media)
	if url == "" && (c.Voicemail == nil || c.Voicemail.URL == "") {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: recording for call %s has no media", c.ID)
	}
	return r.artifact(ctx, c.ID, c, o, func(a *model.Activity) {
		a.RecordingURL = url
		if c.Voicemail != nil {
			a.VoicemailURL = c.Voicemail.URL
		}
	})
}

// Summary attaches an AI call summary. call, when non-nil, lets a summary
// for an unseen call create it.
func (r *Reducer) Summary(ctx context.Context, s *openphone.CallSummary, call *openphone.Call, o Origin) (*store.UpsertResult, error) {
	if s == nil || s.CallID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: summary has no call id")
	}
	text := s.Text()
	return r.artifact(ctx, s.CallID, call, o, func(a *model.Activity) {
		a.AISummary = text
		a.AIContentStatus = aiStatus(s.Status, text != "")
	})
}

// Transcript attaches an AI call transcript. call, when non-nil, lets a
// transcript for an unseen call create it.
func (r *Reducer) Transcript(ctx context.Context, t *openphone.CallTranscript, call *openphone.Call, o Origin) (*store.UpsertResult, error) {
	if t == nil || t.CallID == "" {
		return nil, resilience.Errorf(resilience.KindMalformed, "ingest: transcript has no call id")
	}
	text := t.Text()
	return r.artifact(ctx, t.CallID, call, o, func(a *model.Activity) {
		a.AITranscript = text
		a.AIContentStatus = aiStatus(t.Status, text != "")
	})
}

// artifact merges a derived field into the call activity callID. Without a
// stored call, call (if it names a counterpart) creates one; otherwise the
// record waits as a dependency failure.
func (r *Reducer) artifact(ctx context.Context, callID string, call *openphone.Call, o Origin, patch func(*model.Activity)) (*store.UpsertResult, error) {
	stored, err := r.store.GetActivity(ctx, callID)
	switch {
	case err == nil:
		if stored.Type != model.ActivityTypeCall {
			return nil, resilience.Errorf(resilience.KindConflict,
				"ingest: artifact for %s but stored activity is a %s", callID, stored.Type)
		}
		a := model.Activity{
			ExternalID:     callID,
			ConversationID: stored.ConversationID,
			ContactID:      stored.ContactID,
			Type:           model.ActivityTypeCall,
			Source:         o.Source,
		}
		patch(&a)
		return r.upsert(ctx, a)
	case !errors.Is(err, store.ErrNotFound):
		return nil, resilience.Wrapf(err, "ingest: load call %s", callID)
	}

	if call == nil || call.Counterpart() == "" {
		return nil, resilience.WithKind(resilience.KindDependency,
			eris.Errorf("ingest: call %s not stored yet and no counterpart to create it", callID))
	}
	conv, err := r.conversation(ctx, call.Counterpart(), firstNonEmpty(call.ConversationID, o.ConversationID),
		firstNonEmpty(call.PhoneNumberID, o.PhoneNumberID), o)
	if err != nil {
		return nil, resilience.Wrapf(err, "ingest: call %s", callID)
	}
	a := callActivity(call, o)
	a.ExternalID = callID
	a.ConversationID = conv.ID
	a.ContactID = conv.ContactID
	patch(&a)
	return r.upsert(ctx, a)
}

func (r *Reducer) conversation(ctx context.Context, phone, externalID, phoneNumberID string, o Origin) (*model.Conversation, error) {
	contact, err := r.contacts.resolve(ctx, phone, o.ContactName, o.Source)
	if err != nil {
		return nil, err
	}
	return r.store.ResolveConversation(ctx, contact.ID, externalID, phoneNumberID)
}

func (r *Reducer) upsert(ctx context.Context, a model.Activity) (*store.UpsertResult, error) {
	res, err := r.store.UpsertActivity(ctx, a)
	if err != nil {
		return nil, err
	}
	r.log.Debug("ingest: activity written",
		zap.String("external_id", a.ExternalID),
		zap.String("type", string(a.Type)),
		zap.String("source", string(a.Source)),
		zap.Bool("created", res.Created),
		zap.Bool("changed", res.Changed),
	)
	return res, nil
}

func callActivity(c *openphone.Call, o Origin) model.Activity {
	a := model.Activity{
		ExternalID:      c.ID,
		Type:            model.ActivityTypeCall,
		Direction:       direction(c.Direction),
		Status:          strings.ToLower(c.Status),
		DurationSeconds: c.Duration,
		RecordingURL:    recordingURL(c.Media),
		OccurredAt:      c.CreatedAt,
		SourceUpdatedAt: latest(c.LatestTime(), &o.At),
		Source:          o.Source,
	}
	if c.Voicemail != nil {
		a.VoicemailURL = c.Voicemail.URL
	}
	if a.Status == "completed" {
		a.AIContentStatus = model.AIContentPending
	}
	return a
}

func recordingURL(media []openphone.Media) string {
	for _, m := range media {
		if m.URL != "" {
			return m.URL
		}
	}
	return ""
}

func aiStatus(status string, hasContent bool) model.AIContentStatus {
	switch strings.ToLower(status) {
	case "failed":
		return model.AIContentFailed
	case "in-progress", "pending":
		return model.AIContentPending
	}
	if hasContent {
		return model.AIContentCompleted
	}
	return model.AIContentPending
}

func direction(v string) model.Direction {
	switch {
	case openphone.IsIncoming(v):
		return model.DirectionIncoming
	case openphone.IsOutgoing(v):
		return model.DirectionOutgoing
	default:
		return ""
	}
}

func latest(t time.Time, more ...*time.Time) time.Time {
	for _, p := range more {
		if p != nil && p.After(t) {
			t = *p
		}
	}
	return t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
