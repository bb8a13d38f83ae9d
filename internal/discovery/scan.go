package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ScanWindow collects sightings for up to window and returns the peers seen,
// deduplicated by radio address. Repeat sightings of the same address
// refresh the name, signal strength, and last-seen time. Malformed
// sightings (no address) are skipped. A canceled parent context aborts the
// scan with its error; an elapsed window returns normally.
func ScanWindow(ctx context.Context, radio Radio, serviceTag string, window time.Duration, logger *slog.Logger) ([]DiscoveredPeer, error) {
	if window <= 0 {
		window = DefaultScanWindow
	}
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	sightings, err := radio.Scan(scanCtx, serviceTag)
	if err != nil {
		return nil, fmt.Errorf("start scan: %w", err)
	}

	seen := make(map[string]int)
	var peers []DiscoveredPeer

	for {
		select {
		case s, ok := <-sightings:
			if !ok {
				// The radio closes the channel when the scan context ends;
				// a close before then means the radio itself died mid-scan.
				if scanCtx.Err() == nil {
					logger.Warn("radio lost mid-scan", "service_tag", serviceTag)
					return nil, fmt.Errorf("%w: sighting stream ended before the scan window elapsed", ErrRadioUnavailable)
				}
				return finishScan(ctx, peers)
			}
			if s.Addr == "" {
				logger.Debug("skipping malformed sighting", "service_tag", serviceTag)
				continue
			}
			if i, dup := seen[s.Addr]; dup {
				peers[i].Name = s.Name
				peers[i].RSSI = s.RSSI
				peers[i].LastSeen = time.Now()
				continue
			}
			seen[s.Addr] = len(peers)
			peers = append(peers, DiscoveredPeer{
				Addr:     s.Addr,
				Name:     s.Name,
				RSSI:     s.RSSI,
				LastSeen: time.Now(),
			})
			logger.Debug("peer sighted", "addr", s.Addr, "name", s.Name, "rssi", s.RSSI)
		case <-scanCtx.Done():
			return finishScan(ctx, peers)
		}
	}
}

func finishScan(parent context.Context, peers []DiscoveredPeer) ([]DiscoveredPeer, error) {
	if err := parent.Err(); err != nil {
		return nil, err
	}
	// Strongest signal first.
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].RSSI > peers[j].RSSI })
	return peers, nil
}
