package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/ingest"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/resilience"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/pkg/openphone"
)

// Status is the outcome reported to the webhook caller.
type Status string

const (
	StatusCreated   Status = "created"
	StatusUpdated   Status = "updated"
	StatusDuplicate Status = "duplicate"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Result is the response body for one delivery.
type Result struct {
	Status  Status `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Reasons returned to the sender. Error detail stays in the log and the
// stored event.
const (
	// ReasonUnknownType is recorded on events no reducer handles.
	ReasonUnknownType = "unknown event type"
	// ReasonStoreUnavailable is returned when the event ledger cannot be
	// read or written.
	ReasonStoreUnavailable = "event store unavailable"
	// ReasonProcessingFailed is returned when applying the event failed.
	ReasonProcessingFailed = "event processing failed"
)

// Observer receives one call per routed delivery.
type Observer interface {
	ObserveWebhook(eventType, status string, elapsed time.Duration)
}

// Router dispatches verified events to the reducers. The webhook_events row
// gates re-execution: once processed, a delivery is a no-op.
type Router struct {
	store    store.Store
	reducer  *ingest.Reducer
	observer Observer
	source   model.Source
	log      *zap.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithObserver reports every routed delivery to o.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) {
		r.observer = o
	}
}

// NewRouter creates a Router writing through reducer.
func NewRouter(reducer *ingest.Reducer, opts ...RouterOption) *Router {
	r := &Router{
		store:   reducer.Store(),
		reducer: reducer,
		source:  model.SourceWebhook,
		log:     zap.L().With(zap.String("component", "webhook_router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies ev at most once.
func (r *Router) Handle(ctx context.Context, ev *Event) Result {
	return r.handle(ctx, ev, r.source)
}

func (r *Router) handle(ctx context.Context, ev *Event, source model.Source) (res Result) {
	start := time.Now()
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	defer func() {
		if r.observer != nil {
			r.observer.ObserveWebhook(ev.Type, string(res.Status), time.Since(start))
		}
	}()

	existing, err := r.store.GetWebhookEvent(ctx, ev.ID)
	switch {
	case err == nil && existing.Processed:
		log.Debug("webhook: duplicate delivery")
		return Result{Status: StatusDuplicate, EventID: ev.ID}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Error("webhook: load event failed", zap.Error(err))
		return Result{Status: StatusError, EventID: ev.ID, Reason: ReasonStoreUnavailable}
	}

	rec, err := r.store.RecordWebhookEvent(ctx, model.WebhookEvent{
		EventID:   ev.ID,
		EventType: ev.Type,
		Payload:   ev.Raw,
	})
	if err != nil {
		log.Error("webhook: record event failed", zap.Error(err))
		return Result{Status: StatusError, EventID: ev.ID, Reason: ReasonStoreUnavailable}
	}
	if rec.Processed {
		// A concurrent delivery finished first.
		return Result{Status: StatusDuplicate, EventID: ev.ID}
	}

	upserted, err := r.dispatch(ctx, ev, source)
	switch {
	case errors.Is(err, errUnknownType):
		return r.skip(ctx, log, ev, ReasonUnknownType)
	case resilience.KindOf(err) == resilience.KindMalformed:
		return r.skip(ctx, log, ev, err.Error())
	case err != nil:
		log.Warn("webhook: reducer failed",
			zap.String("kind", resilience.KindOf(err).String()),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err),
		)
		if merr := r.store.MarkWebhookFailed(ctx, ev.ID, err.Error()); merr != nil {
			log.Error("webhook: mark failed", zap.Error(merr))
		}
		return Result{Status: StatusError, EventID: ev.ID, Reason: ReasonProcessingFailed}
	}

	if err := r.store.MarkWebhookProcessed(ctx, ev.ID, model.WebhookStatusProcessed, ""); err != nil {
		// Effects are committed and idempotent; a redelivery re-applies them
		// harmlessly and closes the event.
		log.Error("webhook: mark processed", zap.Error(err))
		return Result{Status: StatusError, EventID: ev.ID, Reason: ReasonStoreUnavailable}
	}

	status := StatusUpdated
	if upserted.Created {
		status = StatusCreated
	}
	log.Info("webhook: event applied",
		zap.String("status", string(status)),
		zap.String("external_id", upserted.Activity.ExternalID),
	)
	return Result{Status: status, EventID: ev.ID}
}

func (r *Router) skip(ctx context.Context, log *zap.Logger, ev *Event, reason string) Result {
	log.Info("webhook: event skipped", zap.String("reason", reason))
	if err := r.store.MarkWebhookProcessed(ctx, ev.ID, model.WebhookStatusSkipped, reason); err != nil {
		log.Error("webhook: mark skipped", zap.Error(err))
		return Result{Status: StatusError, EventID: ev.ID, Reason: ReasonStoreUnavailable}
	}
	return Result{Status: StatusSkipped, EventID: ev.ID, Reason: reason}
}

var errUnknownType = eris.New(ReasonUnknownType)

// dispatch routes by event type prefix. Reducer panics are recovered as
// internal errors.
func (r *Router) dispatch(ctx context.Context, ev *Event, source model.Source) (res *store.UpsertResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("webhook: reducer panic",
				zap.String("event_id", ev.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res, err = nil, resilience.Errorf(resilience.KindInternal, "webhook: reducer panic: %v", p)
		}
	}()

	o := ingest.Origin{Source: source, At: ev.CreatedAt}
	switch t := ev.Type; {
	case strings.HasPrefix(t, "message."):
		var m openphone.Message
		if err := decode(ev, &m); err != nil {
			return nil, err
		}
		if m.Status == "" {
			m.Status = suffix(t, "message.")
		}
		return r.reducer.Message(ctx, &m, o)

	case strings.HasPrefix(t, "call.recording."):
		var c openphone.Call
		if err := decode(ev, &c); err != nil {
			return nil, err
		}
		return r.reducer.Recording(ctx, &c, o)

	case strings.HasPrefix(t, "call.summary."):
		var s openphone.CallSummary
		if err := decode(ev, &s); err != nil {
			return nil, err
		}
		if s.Status == "" {
			s.Status = suffix(t, "call.summary.")
		}
		return r.reducer.Summary(ctx, &s, nil, o)

	case strings.HasPrefix(t, "call.transcript."):
		var tr openphone.CallTranscript
		if err := decode(ev, &tr); err != nil {
			return nil, err
		}
		if tr.Status == "" {
			tr.Status = suffix(t, "call.transcript.")
		}
		return r.reducer.Transcript(ctx, &tr, nil, o)

	case strings.HasPrefix(t, "call."):
		var c openphone.Call
		if err := decode(ev, &c); err != nil {
			return nil, err
		}
		if c.Status == "" {
			c.Status = suffix(t, "call.")
		}
		return r.reducer.Call(ctx, &c, o)

	default:
		return nil, errUnknownType
	}
}

func decode(ev *Event, out any) error {
	if err := json.Unmarshal(ev.Object, out); err != nil {
		return resilience.WithKind(resilience.KindMalformed,
			eris.Wrapf(err, "webhook: decode %s data.object", ev.Type))
	}
	return nil
}

func suffix(eventType, prefix string) string {
	return strings.TrimPrefix(eventType, prefix)
}

// Replay re-runs stored unprocessed events through the same idempotency
// gate. Events whose stored payload no longer parses are skipped.
func (r *Router) Replay(ctx context.Context, limit int) ([]Result, error) {
	events, err := r.store.ListWebhookEvents(ctx, store.WebhookFilter{Unprocessed: true, Limit: limit})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(events))
	for _, stored := range events {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		ev, err := Parse(stored.Payload)
		if err != nil {
			var mp *MalformedPayloadError
			if errors.As(err, &mp) {
				if merr := r.store.MarkWebhookProcessed(ctx, stored.EventID, model.WebhookStatusSkipped, mp.Error()); merr != nil {
					return results, merr
				}
				results = append(results, Result{Status: StatusSkipped, EventID: stored.EventID, Reason: mp.Error()})
				continue
			}
			return results, err
		}
		results = append(results, r.handle(ctx, ev, model.SourceReplay))
	}
	return results, nil
}
