package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pebl-systems/peblsync/internal/backup"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var (
	transferDevice     string
	transferLabel      string
	transferPromptName bool
)

//nolint:gochecknoglobals // cobra requires package-level command variable
var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Copy an inserted USB device into the backup root",
	Long: `transfer runs one local transfer job for the given device: wait for
the device node, find or establish its mount, scan and check for duplicates,
then copy into a timestamped folder. Progress is published to the status
directory for the GUI. Only one transfer runs at a time; a second invocation
exits immediately.`,
	RunE: runTransfer,
}

//nolint:gochecknoinits // cobra requires init for command registration
func init() {
	transferCmd.Flags().StringVar(&transferDevice, "device", "", "block device to transfer from (e.g. /dev/sda1)")
	transferCmd.Flags().StringVar(&transferLabel, "label", "USB", "device label used in the destination folder name")
	transferCmd.Flags().BoolVar(&transferPromptName, "prompt-name", false, "ask the user to name the device before copying")
	_ = transferCmd.MarkFlagRequired("device")

	rootCmd.AddCommand(transferCmd)
}

func runTransfer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := backup.NewJob(appConfig, transferDevice, transferLabel,
		backup.WithPromptForName(transferPromptName),
		backup.WithLogger(log.With().Str("component", "transfer").Logger()),
	)

	status, err := job.Run(ctx)
	if err != nil {
		if errors.Is(err, backup.ErrBusy) {
			return errors.New("another transfer is already running")
		}
		return err
	}

	log.Info().Str("status", string(status)).Msg("transfer finished")
	return nil
}
