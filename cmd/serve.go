package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pebl-systems/peblsync/internal/server"
)

const defaultShutdownTimeout = 10 * time.Second

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var serveListen string

//nolint:gochecknoglobals // cobra requires package-level command variable
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	Long: `serve exposes the published transfer and sync state over HTTP for
dashboards and remote monitoring. It only reads the status directory; jobs
are driven by the transfer and sync commands.`,
	RunE: runServe,
}

//nolint:gochecknoinits // cobra requires init for command registration
func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (default \"[::]:8423\")")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := appConfig.Server.Listen
	if serveListen != "" {
		addr = serveListen
	}

	srv := server.New(appConfig,
		server.WithLogger(log.With().Str("component", "server").Logger()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
