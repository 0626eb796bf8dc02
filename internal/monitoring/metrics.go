package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/commsync/internal/importer"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/webhook"
)

var (
	_ webhook.Observer  = (*Metrics)(nil)
	_ importer.Observer = (*Metrics)(nil)
)

// Metrics holds the Prometheus collectors for both ingestion paths.
type Metrics struct {
	WebhookEvents   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	ImportRecords         *prometheus.CounterVec
	ImportConversations   prometheus.Gauge
	ImportCriticalErrors  prometheus.Gauge
	ImportCheckpointSaves prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "commsync",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook deliveries by event type and outcome",
			},
			[]string{"event_type", "status"},
		),
		WebhookDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "commsync",
				Subsystem: "webhook",
				Name:      "duration_seconds",
				Help:      "Time to route one webhook delivery in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"event_type"},
		),
		ImportRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "commsync",
				Subsystem: "import",
				Name:      "records_total",
				Help:      "Imported records by type and outcome",
			},
			[]string{"record_type", "outcome"},
		),
		ImportConversations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "commsync",
				Subsystem: "import",
				Name:      "conversations_processed",
				Help:      "Conversations processed by the current import run as of its last checkpoint",
			},
		),
		ImportCriticalErrors: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "commsync",
				Subsystem: "import",
				Name:      "critical_errors",
				Help:      "Critical errors recorded by the current import run as of its last checkpoint",
			},
		),
		ImportCheckpointSaves: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "commsync",
				Subsystem: "import",
				Name:      "checkpoint_saves_total",
				Help:      "Checkpoint files written",
			},
		),
	}
}

// ObserveWebhook records one routed delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, elapsed time.Duration) {
	m.WebhookEvents.WithLabelValues(eventTypeLabel(eventType), status).Inc()
	m.WebhookDuration.WithLabelValues(eventTypeLabel(eventType)).Observe(elapsed.Seconds())
}

// ObserveImportRecord records one imported record.
func (m *Metrics) ObserveImportRecord(recordType, outcome string) {
	m.ImportRecords.WithLabelValues(recordType, outcome).Inc()
}

// ObserveCheckpoint records a checkpoint save.
func (m *Metrics) ObserveCheckpoint(cp *model.ImportCheckpoint) {
	m.ImportCheckpointSaves.Inc()
	m.ImportConversations.Set(float64(cp.ConversationsProcessed))
	m.ImportCriticalErrors.Set(float64(cp.Stats.CriticalErrors))
}

// eventTypeLabel bounds label cardinality to the event types the router
// knows about.
func eventTypeLabel(t string) string {
	switch t {
	case "message.received", "message.delivered",
		"call.ringing", "call.completed",
		"call.recording.completed", "call.summary.completed", "call.transcript.completed":
		return t
	default:
		return "other"
	}
}
