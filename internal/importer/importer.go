// Package importer pulls conversation history from the provider API and
// feeds it through the same reducers the webhook router uses. A run is a
// single sequential loop with a checkpoint file, so it can be interrupted
// and resumed without duplicating data.
package importer

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/ingest"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/resilience"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/pkg/openphone"
)

var (
	// ErrInterrupted is returned when the context is canceled mid-run. The
	// checkpoint is saved first.
	ErrInterrupted = eris.New("importer: interrupted")

	// ErrAborted is returned once the critical-error threshold is reached.
	// The checkpoint is saved first.
	ErrAborted = eris.New("importer: critical error threshold reached")
)

// Record outcomes reported to the Observer.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
	OutcomeCritical  = "critical"
)

// Config controls a batch-import run.
type Config struct {
	// BatchSize is the page size for conversation listing. Default: 50.
	BatchSize int
	// CheckpointInterval is the number of conversations between checkpoint
	// saves. Default: 10.
	CheckpointInterval int
	// CheckpointPath is the checkpoint file location.
	CheckpointPath string
	// CriticalErrorThreshold aborts the run after this many critical record
	// failures. Default: 5.
	CriticalErrorThreshold int
	// FetchCallArtifacts fetches recordings, summaries and transcripts for
	// completed calls.
	FetchCallArtifacts bool
	Retry              resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchSize > 100 {
		c.BatchSize = 100
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 10
	}
	if c.CriticalErrorThreshold <= 0 {
		c.CriticalErrorThreshold = 5
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = "import_checkpoint.json"
	}
	if c.Retry.MaxAttempts == 0 {
		sleep := c.Retry.Sleep
		c.Retry = resilience.DefaultRetryConfig()
		c.Retry.Sleep = sleep
	}
	return c
}

// Observer receives per-record outcomes and checkpoint saves.
type Observer interface {
	ObserveImportRecord(recordType, outcome string)
	ObserveCheckpoint(cp *model.ImportCheckpoint)
}

// Option configures an Importer.
type Option func(*Importer)

// WithObserver reports record outcomes and checkpoint saves to o.
func WithObserver(o Observer) Option {
	return func(im *Importer) { im.obs = o }
}

// WithClock overrides the time source used for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(im *Importer) { im.now = now }
}

// Importer runs batch imports.
type Importer struct {
	client  openphone.Client
	reducer *ingest.Reducer
	cfg     Config
	file    *CheckpointFile
	obs     Observer
	now     func() time.Time
	log     *zap.Logger

	// afterConversation runs after each committed conversation; a non-nil
	// error stops the run without saving, as a crash would.
	afterConversation func(cp *model.ImportCheckpoint) error
}

// New creates an Importer. reducer may be nil for an importer that only
// performs dry runs.
func New(client openphone.Client, reducer *ingest.Reducer, cfg Config, opts ...Option) *Importer {
	cfg = cfg.withDefaults()
	im := &Importer{
		client:  client,
		reducer: reducer,
		cfg:     cfg,
		file:    NewCheckpointFile(cfg.CheckpointPath),
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "importer")),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Checkpoint returns the checkpoint file of this importer.
func (im *Importer) Checkpoint() *CheckpointFile {
	return im.file
}

// Reset deletes the checkpoint file so the next run starts fresh.
func (im *Importer) Reset() error {
	return im.file.Delete()
}

// Run imports the full history. With resume, an existing checkpoint is
// continued; otherwise any stale checkpoint is discarded. The returned
// checkpoint holds the final statistics, also on error.
func (im *Importer) Run(ctx context.Context, resume bool) (*model.ImportCheckpoint, error) {
	var cp *model.ImportCheckpoint
	if resume {
		loaded, err := im.file.Load()
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			im.log.Info("no checkpoint to resume, starting fresh", zap.String("path", im.file.Path()))
		} else {
			im.log.Info("resuming import",
				zap.Int("conversations_processed", loaded.ConversationsProcessed),
				zap.String("page_token", loaded.PageToken),
				zap.Int("page_offset", loaded.PageOffset),
			)
		}
		cp = loaded
	} else if err := im.file.Delete(); err != nil {
		return nil, err
	}
	if cp == nil {
		now := im.now()
		cp = &model.ImportCheckpoint{StartedAt: now, UpdatedAt: now}
	}

	r := im.newRun(cp, model.SourceImport, im.file, 0)
	err := r.loop(ctx)
	switch {
	case err == nil:
		if derr := im.file.Delete(); derr != nil {
			return cp, derr
		}
		im.log.Info("import complete",
			zap.Int("conversations", cp.Stats.Conversations),
			zap.Int("created", cp.Stats.Created),
			zap.Int("updated", cp.Stats.Updated),
			zap.Int("failed", cp.Stats.Failed),
		)
		return cp, nil
	case r.crashed:
		return cp, err
	default:
		if serr := r.save(); serr != nil {
			im.log.Error("save checkpoint after stop", zap.Error(serr))
		}
		return cp, err
	}
}

func (im *Importer) newRun(cp *model.ImportCheckpoint, source model.Source, file *CheckpointFile, limit int) *run {
	cbCfg := resilience.FromCircuitConfig(im.cfg.CriticalErrorThreshold)
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		im.log.Warn("critical error circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("threshold", cbCfg.FailureThreshold),
		)
	}
	return &run{
		im:     im,
		cp:     cp,
		source: source,
		file:   file,
		limit:  limit,
		cb:     resilience.NewCircuitBreaker(cbCfg),
	}
}

// run is the state of one pass over the conversation list.
type run struct {
	im      *Importer
	cp      *model.ImportCheckpoint
	source  model.Source
	file    *CheckpointFile
	limit   int
	cb      *resilience.CircuitBreaker
	crashed bool
}

// record is one message or call of a conversation, ordered by time.
type record struct {
	at      time.Time
	id      string
	message *openphone.Message
	call    *openphone.Call
}

func (r *run) loop(ctx context.Context) error {
	token := r.cp.PageToken
	offset := r.cp.PageOffset
	for {
		if err := ctx.Err(); err != nil {
			return ErrInterrupted
		}
		page, err := resilience.DoVal(ctx, r.retry("list_conversations"),
			func(ctx context.Context) (*openphone.Page[openphone.Conversation], error) {
				return r.im.client.ListConversations(ctx, openphone.ListParams{
					PageToken:  token,
					MaxResults: r.im.cfg.BatchSize,
				})
			})
		if err != nil {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			return eris.Wrap(err, "importer: list conversations")
		}

		for i := offset; i < len(page.Data); i++ {
			if err := ctx.Err(); err != nil {
				return ErrInterrupted
			}
			conv := page.Data[i]
			if err := r.conversation(ctx, &conv); err != nil {
				return err
			}
			r.cp.ConversationsProcessed++
			r.cp.Stats.Conversations++
			r.cp.LastConversationID = conv.ID
			r.cp.PageToken = token
			r.cp.PageOffset = i + 1
			r.cp.UpdatedAt = r.im.now()

			if r.im.afterConversation != nil {
				if err := r.im.afterConversation(r.cp); err != nil {
					r.crashed = true
					return err
				}
			}
			if r.cp.ConversationsProcessed%r.im.cfg.CheckpointInterval == 0 {
				if err := r.save(); err != nil {
					return err
				}
			}
			if r.limit > 0 && r.cp.Stats.Conversations >= r.limit {
				return nil
			}
		}

		if page.NextPageToken == "" || page.NextPageToken == token {
			return nil
		}
		token = page.NextPageToken
		offset = 0
		r.cp.PageToken = token
		r.cp.PageOffset = 0
	}
}

// conversation imports one conversation. Only context cancellation and the
// critical-error threshold stop the run; other failures are recorded.
func (r *run) conversation(ctx context.Context, conv *openphone.Conversation) error {
	log := r.im.log.With(zap.String("conversation_id", conv.ID))
	hist := openphone.HistoryParams{
		PhoneNumberID: conv.PhoneNumberID,
		Participants:  conv.Participants,
		MaxResults:    100,
	}

	messages, err := collect(ctx, r.retry("list_messages"), func(ctx context.Context, token string) (*openphone.Page[openphone.Message], error) {
		p := hist
		p.PageToken = token
		return r.im.client.ListMessages(ctx, p)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return r.fail("conversation", conv.ID, err)
	}
	calls, err := collect(ctx, r.retry("list_calls"), func(ctx context.Context, token string) (*openphone.Page[openphone.Call], error) {
		p := hist
		p.PageToken = token
		return r.im.client.ListCalls(ctx, p)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return r.fail("conversation", conv.ID, err)
	}

	records := make([]record, 0, len(messages)+len(calls))
	for i := range messages {
		records = append(records, record{at: messages[i].CreatedAt, id: messages[i].ID, message: &messages[i]})
	}
	for i := range calls {
		records = append(records, record{at: calls[i].CreatedAt, id: calls[i].ID, call: &calls[i]})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].at.Equal(records[j].at) {
			return records[i].at.Before(records[j].at)
		}
		return records[i].id < records[j].id
	})
	log.Debug("importing conversation",
		zap.Int("messages", len(messages)),
		zap.Int("calls", len(calls)),
	)

	origin := ingest.Origin{
		Source:         r.source,
		ContactName:    conv.Name,
		ConversationID: conv.ID,
		PhoneNumberID:  conv.PhoneNumberID,
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return ErrInterrupted
		}
		if rec.message != nil {
			if err := r.apply(ctx, "message", rec.id, func(ctx context.Context) (*store.UpsertResult, error) {
				return r.im.reducer.Message(ctx, rec.message, origin)
			}); err != nil {
				return err
			}
			continue
		}
		if err := r.apply(ctx, "call", rec.id, func(ctx context.Context) (*store.UpsertResult, error) {
			return r.im.reducer.Call(ctx, rec.call, origin)
		}); err != nil {
			return err
		}
		if r.im.cfg.FetchCallArtifacts && rec.call.Status == "completed" {
			if err := r.artifacts(ctx, rec.call, origin); err != nil {
				return err
			}
		}
	}
	return nil
}

// artifacts fetches and applies the recordings, summary and transcript of a
// completed call. Absent artifacts are skipped.
func (r *run) artifacts(ctx context.Context, call *openphone.Call, origin ingest.Origin) error {
	recordings, err := resilience.DoVal(ctx, r.retry("get_call_recordings"), func(ctx context.Context) ([]openphone.Recording, error) {
		return r.im.client.GetCallRecordings(ctx, call.ID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if ferr := r.fail("recording", call.ID, err); ferr != nil {
			return ferr
		}
	}
	for _, rec := range recordings {
		if rec.URL == "" {
			continue
		}
		withMedia := *call
		withMedia.Media = []openphone.Media{{URL: rec.URL, Type: rec.Type, Duration: rec.Duration}}
		if err := r.apply(ctx, "recording", call.ID, func(ctx context.Context) (*store.UpsertResult, error) {
			return r.im.reducer.Recording(ctx, &withMedia, origin)
		}); err != nil {
			return err
		}
	}

	summary, err := resilience.DoVal(ctx, r.retry("get_call_summary"), func(ctx context.Context) (*openphone.CallSummary, error) {
		return r.im.client.GetCallSummary(ctx, call.ID)
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if ferr := r.fail("summary", call.ID, err); ferr != nil {
			return ferr
		}
	case summary != nil:
		if summary.CallID == "" {
			summary.CallID = call.ID
		}
		if err := r.apply(ctx, "summary", call.ID, func(ctx context.Context) (*store.UpsertResult, error) {
			return r.im.reducer.Summary(ctx, summary, call, origin)
		}); err != nil {
			return err
		}
	}

	transcript, err := resilience.DoVal(ctx, r.retry("get_call_transcript"), func(ctx context.Context) (*openphone.CallTranscript, error) {
		return r.im.client.GetCallTranscript(ctx, call.ID)
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return r.fail("transcript", call.ID, err)
	case transcript != nil:
		if transcript.CallID == "" {
			transcript.CallID = call.ID
		}
		return r.apply(ctx, "transcript", call.ID, func(ctx context.Context) (*store.UpsertResult, error) {
			return r.im.reducer.Transcript(ctx, transcript, call, origin)
		})
	}
	return nil
}

// apply runs one reducer call. The write is not canceled by ctx so an
// in-flight record always finishes.
func (r *run) apply(ctx context.Context, recordType, id string, fn func(ctx context.Context) (*store.UpsertResult, error)) error {
	res, err := reduce(context.WithoutCancel(ctx), fn)
	if err != nil {
		return r.fail(recordType, id, err)
	}

	switch recordType {
	case "message":
		r.cp.Stats.Messages++
	case "call":
		r.cp.Stats.Calls++
	case "recording":
		r.cp.Stats.Recordings++
	case "summary":
		r.cp.Stats.Summaries++
	case "transcript":
		r.cp.Stats.Transcripts++
	}
	outcome := OutcomeUnchanged
	switch {
	case res.Created:
		r.cp.Stats.Created++
		outcome = OutcomeCreated
	case res.Changed:
		r.cp.Stats.Updated++
		outcome = OutcomeUpdated
	}
	r.observe(recordType, outcome)
	return nil
}

// reduce runs fn, converting a panic into an internal error.
func reduce(ctx context.Context, fn func(ctx context.Context) (*store.UpsertResult, error)) (res *store.UpsertResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, resilience.Errorf(resilience.KindInternal, "importer: reducer panic: %v", p)
		}
	}()
	return fn(ctx)
}

// fail records a failed record. It returns ErrAborted once the
// critical-error threshold is reached.
func (r *run) fail(recordType, id string, err error) error {
	failure := resilience.NewFailure(recordType, id, err, r.im.now())
	r.cp.AddError(failure)
	r.cp.Stats.Failed++

	log := r.im.log.With(
		zap.String("record_type", recordType),
		zap.String("external_id", id),
		zap.String("kind", failure.Kind),
		zap.Error(err),
	)
	if !failure.Critical {
		log.Warn("record failed, skipping")
		r.observe(recordType, OutcomeFailed)
		return nil
	}

	r.cp.Stats.CriticalErrors++
	r.observe(recordType, OutcomeCritical)
	log.Error("critical record failure", zap.Int("critical_errors", r.cp.Stats.CriticalErrors))
	if r.cb.Record(err) == resilience.CircuitOpen {
		failures, _ := r.cb.Counters()
		log.Error("critical error threshold reached, aborting run",
			zap.Int("run_critical_errors", failures),
			zap.String("checkpoint", r.im.file.Path()),
		)
		return eris.Wrapf(ErrAborted, "importer: %d critical errors in this run", failures)
	}
	return nil
}

func (r *run) observe(recordType, outcome string) {
	if r.im.obs != nil {
		r.im.obs.ObserveImportRecord(recordType, outcome)
	}
}

func (r *run) save() error {
	if r.file == nil {
		return nil
	}
	now := r.im.now()
	r.cp.UpdatedAt = now
	r.cp.RecordSave(now)
	if err := r.file.Save(r.cp); err != nil {
		return err
	}
	if r.im.obs != nil {
		r.im.obs.ObserveCheckpoint(r.cp)
	}
	r.im.log.Info("checkpoint saved",
		zap.Int("conversations_processed", r.cp.ConversationsProcessed),
		zap.String("page_token", r.cp.PageToken),
		zap.Int("page_offset", r.cp.PageOffset),
	)
	return nil
}

func (r *run) retry(operation string) resilience.RetryConfig {
	cfg := r.im.cfg.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("openphone", operation)
	}
	if cfg.OnRateLimit == nil {
		cfg.OnRateLimit = resilience.RateLimitLogger("openphone", operation)
	}
	return cfg
}

// collect reads every page of a paginated history endpoint.
func collect[T any](ctx context.Context, cfg resilience.RetryConfig, list func(ctx context.Context, token string) (*openphone.Page[T], error)) ([]T, error) {
	var out []T
	token := ""
	for {
		page, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*openphone.Page[T], error) {
			return list(ctx, token)
		})
		if err != nil {
			return out, err
		}
		out = append(out, page.Data...)
		if page.NextPageToken == "" || page.NextPageToken == token {
			return out, nil
		}
		token = page.NextPageToken
	}
}
