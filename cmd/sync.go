package cmd

import (
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pebl-systems/peblsync/internal/cloudsync"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var syncForce bool

//nolint:gochecknoglobals // cobra requires package-level command variable
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the backup root to cloud storage",
	Long: `sync mirrors the backup root to the configured cloud remote. The run
is gated: it skips when a transfer is active, outside the configured window,
when cloud credentials are missing, or when the remote is unreachable.
Skipping is a normal outcome and exits zero.`,
	RunE: runSync,
}

//nolint:gochecknoinits // cobra requires init for command registration
func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "ignore the sync schedule window")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := cloudsync.NewJob(appConfig,
		cloudsync.WithForce(syncForce),
		cloudsync.WithLogger(log.With().Str("component", "sync").Logger()),
	)

	status, err := job.Run(ctx)
	if err != nil {
		return err
	}

	log.Info().Str("status", string(status)).Msg("sync finished")
	return nil
}
