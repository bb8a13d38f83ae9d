package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nearbeam/nearbeam/internal/discovery/wsradio"
	"github.com/nearbeam/nearbeam/internal/logging"
	"github.com/nearbeam/nearbeam/internal/session"
	"github.com/nearbeam/nearbeam/internal/transfer"
)

var (
	flagSendName   string
	flagServiceTag string
)

var sendCmd = &cobra.Command{
	Use:   "send FILE...",
	Short: "Offer files to the first nearby peer that takes the ticket",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&flagSendName, "name", envOr("NEARBEAM_NAME", hostName()),
		"name shown to scanning peers")
	sendCmd.Flags().StringVar(&flagServiceTag, "service-tag",
		envOr("NEARBEAM_SERVICE_TAG", session.DefaultServiceTag),
		"service tag peers scan for")
}

func hostName() string {
	h, err := os.Hostname()
	if err != nil {
		return "nearbeam"
	}
	return h
}

// progressRenderer lazily builds a byte progress bar from the first
// snapshot, when the session total is known.
type progressRenderer struct {
	mu          sync.Mutex
	bar         *progressbar.ProgressBar
	description string
}

func (r *progressRenderer) update(p transfer.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		r.bar = progressbar.DefaultBytes(p.TotalBytes, r.description)
	}
	_ = r.bar.Set64(p.SessionBytes)
}

func (r *progressRenderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	logger := logging.New("nearbeam", flagLogLevel)
	radio := wsradio.New(flagBeaconURL, logger)

	ctrl, err := session.New(radio, session.Config{
		ServiceTag: flagServiceTag,
		Name:       flagSendName,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("offering %d file(s), waiting for a nearby receiver...\n", len(args))
	render := &progressRenderer{description: "sending"}
	if err := ctrl.Send(ctx, args, render.update); err != nil {
		return err
	}
	render.finish()
	fmt.Println("\ndone")
	return nil
}
