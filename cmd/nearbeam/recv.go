package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nearbeam/nearbeam/internal/discovery"
	"github.com/nearbeam/nearbeam/internal/discovery/wsradio"
	"github.com/nearbeam/nearbeam/internal/logging"
	"github.com/nearbeam/nearbeam/internal/session"
)

var (
	flagDestDir        string
	flagScanWindow     time.Duration
	flagConnectTimeout time.Duration
	flagRecvServiceTag string
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Scan for nearby senders and receive their files",
	Args:  cobra.NoArgs,
	RunE:  runRecv,
}

func init() {
	recvCmd.Flags().StringVar(&flagDestDir, "dest", envOr("NEARBEAM_DEST", "."),
		"destination directory")
	recvCmd.Flags().DurationVar(&flagScanWindow, "scan-window", discovery.DefaultScanWindow,
		"how long to scan for senders")
	recvCmd.Flags().DurationVar(&flagConnectTimeout, "connect-timeout", 30*time.Second,
		"how long to try the sender's endpoints")
	recvCmd.Flags().StringVar(&flagRecvServiceTag, "service-tag",
		envOr("NEARBEAM_SERVICE_TAG", session.DefaultServiceTag),
		"service tag to scan for")
}

func runRecv(cmd *cobra.Command, args []string) error {
	logger := logging.New("nearbeam", flagLogLevel)
	radio := wsradio.New(flagBeaconURL, logger)

	ctrl, err := session.New(radio, session.Config{
		ServiceTag:     flagRecvServiceTag,
		ScanWindow:     flagScanWindow,
		ConnectTimeout: flagConnectTimeout,
		DestDir:        flagDestDir,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("scanning for %s...\n", flagScanWindow)
	peers, err := ctrl.Scan(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("no senders found")
	}

	peer, err := pickPeer(peers)
	if err != nil {
		return err
	}

	render := &progressRenderer{description: "receiving"}
	m, err := ctrl.Receive(ctx, peer, render.update)
	if err != nil {
		return err
	}
	render.finish()

	fmt.Printf("\nreceived %d file(s), %s -> %s\n", len(m.Entries), humanBytes(m.TotalBytes), flagDestDir)
	for _, e := range m.Entries {
		fmt.Printf("  %s (%s)\n", e.Name, humanBytes(e.Size))
	}
	return nil
}

func pickPeer(peers []discovery.DiscoveredPeer) (discovery.DiscoveredPeer, error) {
	if len(peers) == 1 {
		fmt.Printf("found %s (%s)\n", peerLabel(peers[0]), peers[0].Addr)
		return peers[0], nil
	}

	for i, p := range peers {
		fmt.Printf("  [%d] %s (%s, rssi %d)\n", i+1, peerLabel(p), p.Addr, p.RSSI)
	}
	fmt.Printf("select sender [1-%d]: ", len(peers))

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return discovery.DiscoveredPeer{}, fmt.Errorf("no selection")
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n < 1 || n > len(peers) {
		return discovery.DiscoveredPeer{}, fmt.Errorf("invalid selection %q", scanner.Text())
	}
	return peers[n-1], nil
}

func peerLabel(p discovery.DiscoveredPeer) string {
	if p.Name != "" {
		return p.Name
	}
	return "unnamed"
}
