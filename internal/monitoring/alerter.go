package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertWebhookFailureRate   AlertType = "webhook_failure_rate"
	AlertStaleCheckpoint      AlertType = "stale_checkpoint"
	AlertImportCriticalErrors AlertType = "import_critical_errors"
)

// minFinishedWebhooks is the sample size below which the failure rate is
// not evaluated.
const minFinishedWebhooks = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if w := snap.Webhooks; w != nil {
		finished := w.Processed + w.Failed
		if finished >= minFinishedWebhooks && snap.WebhookFailureRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertWebhookFailureRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"Webhook failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					snap.WebhookFailureRate*100, a.cfg.FailureRateThreshold*100, w.Failed, finished,
				),
				Details: map[string]any{
					"failure_rate": snap.WebhookFailureRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       w.Failed,
					"finished":     finished,
					"pending":      w.Pending,
				},
				Timestamp: now,
			})
		}
	}

	imp := snap.Import
	if imp == nil || !imp.Active || imp.Checkpoint == nil {
		return alerts
	}
	cp := imp.Checkpoint

	if a.cfg.StaleCheckpointHours > 0 && imp.AgeSeconds > float64(a.cfg.StaleCheckpointHours)*3600 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleCheckpoint,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Import checkpoint %s not updated for %.1fh (%d conversations processed)",
				imp.Path, imp.AgeSeconds/3600, cp.ConversationsProcessed,
			),
			Details: map[string]any{
				"path":                    imp.Path,
				"age_hours":               imp.AgeSeconds / 3600,
				"conversations_processed": cp.ConversationsProcessed,
				"threshold_hours":         a.cfg.StaleCheckpointHours,
			},
			Timestamp: now,
		})
	}

	if cp.Stats.CriticalErrors > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertImportCriticalErrors,
			Severity: "high",
			Message: fmt.Sprintf(
				"Import checkpoint records %d critical error(s); resume after fixing the cause",
				cp.Stats.CriticalErrors,
			),
			Details: map[string]any{
				"critical_errors": cp.Stats.CriticalErrors,
				"failed":          cp.Stats.Failed,
				"path":            imp.Path,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
