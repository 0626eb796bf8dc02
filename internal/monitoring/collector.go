package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/commsync/internal/model"
)

// CheckpointReader reads the import checkpoint file.
type CheckpointReader interface {
	Load() (*model.ImportCheckpoint, error)
	Path() string
}

// WebhookStatsReader reads aggregate webhook counters.
type WebhookStatsReader interface {
	WebhookStats(ctx context.Context) (*model.WebhookStats, error)
}

// CheckpointStatus describes the import checkpoint. Active is false when no
// run is in progress or resumable.
type CheckpointStatus struct {
	Active     bool                    `json:"active" yaml:"active"`
	Path       string                  `json:"path" yaml:"path"`
	AgeSeconds float64                 `json:"age_seconds,omitempty" yaml:"age_seconds,omitempty"`
	Checkpoint *model.ImportCheckpoint `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
}

// Snapshot holds a point-in-time view of both ingestion paths.
type Snapshot struct {
	Webhooks           *model.WebhookStats `json:"webhooks"`
	WebhookFailureRate float64             `json:"webhook_failure_rate"`
	Import             *CheckpointStatus   `json:"import"`
	CollectedAt        time.Time           `json:"collected_at"`
}

// Collector is the read-only progress and audit surface.
type Collector struct {
	stats      WebhookStatsReader
	checkpoint CheckpointReader
	now        func() time.Time
}

// NewCollector creates a Collector. checkpoint may be nil when no importer
// is configured.
func NewCollector(stats WebhookStatsReader, checkpoint CheckpointReader) *Collector {
	return &Collector{
		stats:      stats,
		checkpoint: checkpoint,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CheckpointStatus reports the current import checkpoint.
func (c *Collector) CheckpointStatus() (*CheckpointStatus, error) {
	if c.checkpoint == nil {
		return &CheckpointStatus{}, nil
	}
	cp, err := c.checkpoint.Load()
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: load checkpoint")
	}
	status := &CheckpointStatus{Path: c.checkpoint.Path()}
	if cp == nil {
		return status, nil
	}
	status.Active = true
	status.Checkpoint = cp
	if !cp.UpdatedAt.IsZero() {
		status.AgeSeconds = c.now().Sub(cp.UpdatedAt).Seconds()
	}
	return status, nil
}

// WebhookStats reports webhook processing counters.
func (c *Collector) WebhookStats(ctx context.Context) (*model.WebhookStats, error) {
	stats, err := c.stats.WebhookStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: webhook stats")
	}
	return stats, nil
}

// Collect gathers a snapshot of both paths.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := c.WebhookStats(ctx)
	if err != nil {
		return nil, err
	}
	status, err := c.CheckpointStatus()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Webhooks:           stats,
		WebhookFailureRate: stats.FailureRate(),
		Import:             status,
		CollectedAt:        c.now(),
	}, nil
}
