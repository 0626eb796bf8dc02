package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/internal/webhook"
)

var (
	webhooksOutput      string
	webhooksStatus      string
	webhooksType        string
	webhooksUnprocessed bool
	webhooksLimit       int
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Inspect and replay the webhook event log",
}

var webhooksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show webhook processing counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.WebhookStats(ctx)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), webhooksOutput, stats)
	},
}

// webhookRow is the listing view of a logged delivery, without its payload.
type webhookRow struct {
	EventID     string     `json:"event_id" yaml:"event_id"`
	EventType   string     `json:"event_type" yaml:"event_type"`
	Status      string     `json:"status" yaml:"status"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at" yaml:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" yaml:"processed_at,omitempty"`
}

func toRows(events []model.WebhookEvent) []webhookRow {
	rows := make([]webhookRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, webhookRow{
			EventID:     ev.EventID,
			EventType:   ev.EventType,
			Status:      string(ev.Status),
			Attempts:    ev.Attempts,
			Error:       ev.Error,
			ReceivedAt:  ev.ReceivedAt,
			ProcessedAt: ev.ProcessedAt,
		})
	}
	return rows
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged webhook deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		events, err := st.ListWebhookEvents(ctx, store.WebhookFilter{
			Status:      model.WebhookStatus(webhooksStatus),
			EventType:   webhooksType,
			Unprocessed: webhooksUnprocessed,
			Limit:       webhooksLimit,
		})
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), webhooksOutput, toRows(events))
	},
}

// replaySummary counts replay outcomes by status.
type replaySummary struct {
	Replayed int            `json:"replayed" yaml:"replayed"`
	ByStatus map[string]int `json:"by_status" yaml:"by_status"`
}

func summarizeReplay(results []webhook.Result) replaySummary {
	sum := replaySummary{Replayed: len(results), ByStatus: make(map[string]int)}
	for _, r := range results {
		sum.ByStatus[string(r.Status)]++
	}
	return sum
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess unprocessed webhook deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		results, err := webhook.NewRouter(newReducer(cfg, st)).Replay(ctx, webhooksLimit)
		sum := summarizeReplay(results)
		zap.L().Info("webhook replay finished", zap.Int("replayed", sum.Replayed))
		if werr := writeOutput(cmd.OutOrStdout(), webhooksOutput, sum); werr != nil && err == nil {
			err = werr
		}
		return err
	},
}

func init() {
	webhooksCmd.PersistentFlags().StringVarP(&webhooksOutput, "output", "o", "json", "output format (json|yaml)")
	webhooksCmd.PersistentFlags().IntVar(&webhooksLimit, "limit", 100, "maximum events")

	webhooksListCmd.Flags().StringVar(&webhooksStatus, "status", "", "filter by status (received|processed|skipped|failed)")
	webhooksListCmd.Flags().StringVar(&webhooksType, "type", "", "filter by event type")
	webhooksListCmd.Flags().BoolVar(&webhooksUnprocessed, "unprocessed", false, "only events not yet processed")

	webhooksCmd.AddCommand(webhooksStatsCmd, webhooksListCmd, webhooksReplayCmd)
	rootCmd.AddCommand(webhooksCmd)
}
