package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/commsync/internal/media"
)

var (
	mediaLimit  int
	mediaOutput string
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Manage attachment caching",
}

var mediaCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Copy uncached attachments to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("media"); err != nil {
			return err
		}
		client, err := media.NewS3Client(cfg.Media)
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := media.New(st, client, cfg.Media).Run(ctx, mediaLimit)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), mediaOutput, res)
	},
}

func init() {
	mediaCacheCmd.Flags().IntVar(&mediaLimit, "limit", 100, "maximum attachments per pass")
	mediaCacheCmd.Flags().StringVarP(&mediaOutput, "output", "o", "json", "output format (json|yaml)")
	mediaCmd.AddCommand(mediaCacheCmd)
	rootCmd.AddCommand(mediaCmd)
}
