// Package reconcile holds the field-level precedence rules applied whenever
// two writers touch the same activity. Every store upsert runs through Merge,
// so the webhook and import pipelines converge regardless of arrival order.
package reconcile

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/resilience"
)

// statusRank orders provider statuses so ties on timestamp resolve the same
// way in either arrival order. Terminal states rank highest.
var statusRank = map[string]int{
	"queued":      1,
	"initiated":   1,
	"ringing":     1,
	"sending":     1,
	"in-progress": 2,
	"answered":    2,
	"sent":        2,
	"delivered":   3,
	"received":    3,
	"undelivered": 3,
	"completed":   3,
	"missed":      3,
	"no-answer":   3,
	"busy":        3,
	"canceled":    3,
	"failed":      3,
}

// Merge applies incoming onto stored and returns the merged activity, whether
// anything changed, and a KindConflict error when an identity field differs.
//
// Rules:
//   - external id, type and direction are immutable once set
//   - status, duration, body and occurred-at are latest-timestamp-wins,
//     and an empty incoming value never erases a stored one
//   - recording/voicemail URLs, AI summary and transcript are set-once
//   - media is a union keyed by source URL
//   - AI content status only moves forward
func Merge(stored, incoming model.Activity) (model.Activity, bool, error) {
	out := stored

	var err error
	if out.ExternalID, err = identity("external_id", stored.ExternalID, incoming.ExternalID); err != nil {
		return stored, false, err
	}
	typ, err := identity("type", string(stored.Type), string(incoming.Type))
	if err != nil {
		return stored, false, err
	}
	out.Type = model.ActivityType(typ)
	dir, err := identity("direction", string(stored.Direction), string(incoming.Direction))
	if err != nil {
		return stored, false, err
	}
	out.Direction = model.Direction(dir)

	if out.ConversationID == "" {
		out.ConversationID = incoming.ConversationID
	}
	if out.ContactID == "" {
		out.ContactID = incoming.ContactID
	}

	st, in := stored.EventTime(), incoming.EventTime()
	switch {
	case in.After(st):
		if incoming.Status != "" {
			out.Status = incoming.Status
		}
		if incoming.DurationSeconds != nil {
			out.DurationSeconds = copyInt(incoming.DurationSeconds)
		}
		if incoming.Body != "" {
			out.Body = incoming.Body
		}
		if !incoming.OccurredAt.IsZero() {
			out.OccurredAt = incoming.OccurredAt
		}
	case in.Equal(st):
		out.Status = tieStatus(stored.Status, incoming.Status)
		out.DurationSeconds = maxInt(stored.DurationSeconds, incoming.DurationSeconds)
		if incoming.Body > out.Body {
			out.Body = incoming.Body
		}
		out.OccurredAt = earliest(stored.OccurredAt, incoming.OccurredAt)
	default:
		// Older data only fills gaps.
		if out.Status == "" {
			out.Status = incoming.Status
		}
		if out.DurationSeconds == nil {
			out.DurationSeconds = copyInt(incoming.DurationSeconds)
		}
		if out.Body == "" {
			out.Body = incoming.Body
		}
		if out.OccurredAt.IsZero() {
			out.OccurredAt = incoming.OccurredAt
		}
	}
	if incoming.SourceUpdatedAt.After(out.SourceUpdatedAt) {
		out.SourceUpdatedAt = incoming.SourceUpdatedAt
	}

	out.RecordingURL = setOnce(stored.RecordingURL, incoming.RecordingURL)
	out.VoicemailURL = setOnce(stored.VoicemailURL, incoming.VoicemailURL)
	out.AISummary = setOnce(stored.AISummary, incoming.AISummary)
	out.AITranscript = setOnce(stored.AITranscript, incoming.AITranscript)
	if incoming.AIContentStatus.Rank() > stored.AIContentStatus.Rank() {
		out.AIContentStatus = incoming.AIContentStatus
	}
	out.Media = unionMedia(stored.Media, incoming.Media)

	return out, !Equal(stored, out), nil
}

// Equal compares the business fields of two activities. Local ids, source
// tags and bookkeeping timestamps are ignored.
func Equal(a, b model.Activity) bool {
	if a.ExternalID != b.ExternalID || a.Type != b.Type || a.Direction != b.Direction ||
		a.ConversationID != b.ConversationID || a.ContactID != b.ContactID ||
		a.Status != b.Status || a.Body != b.Body ||
		a.RecordingURL != b.RecordingURL || a.VoicemailURL != b.VoicemailURL ||
		a.AISummary != b.AISummary || a.AITranscript != b.AITranscript ||
		a.AIContentStatus != b.AIContentStatus {
		return false
	}
	if !a.OccurredAt.Equal(b.OccurredAt) || !a.SourceUpdatedAt.Equal(b.SourceUpdatedAt) {
		return false
	}
	if (a.DurationSeconds == nil) != (b.DurationSeconds == nil) {
		return false
	}
	if a.DurationSeconds != nil && *a.DurationSeconds != *b.DurationSeconds {
		return false
	}
	return sameMedia(a.Media, b.Media)
}

// Advances reports whether a should become conv's last activity: it is the
// activity already recorded there, or its (event time, external id) sorts
// after the recorded one.
func Advances(conv model.Conversation, a model.Activity) bool {
	if conv.LastActivityAt == nil || conv.LastActivityExternalID == "" {
		return true
	}
	if conv.LastActivityExternalID == a.ExternalID {
		return true
	}
	at := a.EventTime()
	switch {
	case at.After(*conv.LastActivityAt):
		return true
	case at.Equal(*conv.LastActivityAt):
		return a.ExternalID > conv.LastActivityExternalID
	default:
		return false
	}
}

// ApplyLastActivity sets conv's derived fields from the written activity.
func ApplyLastActivity(conv *model.Conversation, a model.Activity) {
	at := a.EventTime()
	conv.LastActivityAt = &at
	conv.LastActivityType = a.Type
	conv.LastActivityID = a.ID
	conv.LastActivityExternalID = a.ExternalID
}

func identity(field, stored, incoming string) (string, error) {
	switch {
	case stored == "":
		return incoming, nil
	case incoming == "" || incoming == stored:
		return stored, nil
	default:
		zap.L().Error("reconcile: identity field conflict",
			zap.String("field", field),
			zap.String("stored", stored),
			zap.String("incoming", incoming),
		)
		return stored, resilience.Errorf(resilience.KindConflict,
			"reconcile: %s is immutable (stored %q, incoming %q)", field, stored, incoming)
	}
}

func tieStatus(stored, incoming string) string {
	switch {
	case incoming == "":
		return stored
	case stored == "":
		return incoming
	}
	rs, ri := statusRank[stored], statusRank[incoming]
	if ri > rs || (ri == rs && incoming > stored) {
		return incoming
	}
	return stored
}

func setOnce(stored, incoming string) string {
	if stored != "" {
		return stored
	}
	return incoming
}

func maxInt(a, b *int) *int {
	switch {
	case a == nil:
		return copyInt(b)
	case b == nil:
		return copyInt(a)
	case *b > *a:
		return copyInt(b)
	default:
		return copyInt(a)
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

func unionMedia(stored, incoming []model.MediaAttachment) []model.MediaAttachment {
	if len(incoming) == 0 {
		return stored
	}
	seen := make(map[string]bool, len(stored))
	out := make([]model.MediaAttachment, 0, len(stored)+len(incoming))
	for _, m := range stored {
		seen[m.SourceURL] = true
		out = append(out, m)
	}
	for _, m := range incoming {
		if m.SourceURL == "" || seen[m.SourceURL] {
			continue
		}
		seen[m.SourceURL] = true
		out = append(out, m)
	}
	return out
}

func sameMedia(a, b []model.MediaAttachment) bool {
	if len(a) != len(b) {
		return false
	}
	urls := func(ms []model.MediaAttachment) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.SourceURL
		}
		sort.Strings(out)
		return out
	}
	ua, ub := urls(a), urls(b)
	for i := range ua {
		if ua[i] != ub[i] {
			return false
		}
	}
	return true
}
