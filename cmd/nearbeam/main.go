package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagBeaconURL string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "nearbeam",
	Short: "Beam files to a nearby device",
	Long: `nearbeam discovers nearby peers over a low-power radio channel,
hands off a connection ticket, and streams files directly between the two
devices over QUIC or TLS.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBeaconURL, "beacon",
		envOr("NEARBEAM_BEACON_URL", "ws://127.0.0.1:7332/radio"),
		"beacon bus hub URL (used when no radio hardware is available)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level",
		envOr("NEARBEAM_LOG_LEVEL", "info"),
		"log level (debug, info, warn, error)")

	rootCmd.AddCommand(sendCmd, recvCmd, beaconCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
