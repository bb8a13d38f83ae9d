package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nearbeam/nearbeam/internal/discovery/wsradio"
	"github.com/nearbeam/nearbeam/internal/logging"
)

var flagBeaconAddr string

var beaconCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Run a beacon bus hub for peers without radio hardware",
	Args:  cobra.NoArgs,
	RunE:  runBeacon,
}

func init() {
	beaconCmd.Flags().StringVar(&flagBeaconAddr, "addr",
		envOr("NEARBEAM_BEACON_ADDR", ":7332"), "listen address")
}

func runBeacon(cmd *cobra.Command, args []string) error {
	logger := logging.New("nearbeam-beacon", flagLogLevel)

	mux := http.NewServeMux()
	mux.Handle("/radio", wsradio.NewHub(logger))

	srv := &http.Server{
		Addr:              flagBeaconAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("beacon hub listening", "addr", flagBeaconAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
