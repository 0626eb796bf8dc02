package importer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/ingest"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/store"
)

// DryRunReport summarizes a dry run.
type DryRunReport struct {
	Conversations int                 `json:"conversations" yaml:"conversations"`
	Activities    int                 `json:"activities" yaml:"activities"`
	Stats         model.ImportStats   `json:"stats" yaml:"stats"`
	Errors        []model.ImportError `json:"errors" yaml:"errors"`
	Elapsed       time.Duration       `json:"elapsed" yaml:"elapsed"`
}

// DryRun runs the full fetch-and-reduce pipeline for up to limit
// conversations against a private in-memory store. Nothing is written to the
// real store and no checkpoint is touched.
func (im *Importer) DryRun(ctx context.Context, limit int) (*DryRunReport, error) {
	start := time.Now()
	mem, err := store.NewMemorySQLite()
	if err != nil {
		return nil, err
	}
	defer mem.Close() //nolint:errcheck
	if err := mem.Migrate(ctx); err != nil {
		return nil, err
	}

	shadow := *im
	shadow.reducer = ingest.New(mem)
	shadow.afterConversation = nil
	shadow.log = im.log.With(zap.Bool("dry_run", true))

	now := im.now()
	cp := &model.ImportCheckpoint{StartedAt: now, UpdatedAt: now}
	r := shadow.newRun(cp, model.SourceDryRun, nil, limit)
	if err := r.loop(ctx); err != nil {
		return nil, eris.Wrap(err, "importer: dry run")
	}

	count, err := mem.CountActivities(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	report := &DryRunReport{
		Conversations: cp.Stats.Conversations,
		Activities:    count,
		Stats:         cp.Stats,
		Errors:        cp.Errors,
		Elapsed:       time.Since(start),
	}
	im.log.Info("dry run complete",
		zap.Int("conversations", report.Conversations),
		zap.Int("activities", report.Activities),
		zap.Int("failed", report.Stats.Failed),
	)
	return report, nil
}
