// Package discovery finds nearby peers over a low-power radio. The radio
// itself (BLE hardware, or the websocket beacon bus) lives behind the Radio
// interface; this package owns the advertise lifecycle and the bounded,
// deduplicating scan window.
package discovery

import (
	"context"
	"errors"
	"time"
)

// DefaultScanWindow bounds a scan when the caller does not override it.
const DefaultScanWindow = 15 * time.Second

// ErrRadioUnavailable indicates the radio adapter is absent or powered off.
var ErrRadioUnavailable = errors.New("radio unavailable")

// Advertisement is the payload an advertiser broadcasts: a service tag that
// scanners filter on, a human-readable name, and an opaque blob that peers
// fetch with ReadBlob after sighting the advertiser.
type Advertisement struct {
	ServiceTag string
	Name       string
	Blob       []byte
}

// Sighting is one raw observation of an advertiser during a scan.
type Sighting struct {
	Addr       string
	Name       string
	ServiceTag string
	RSSI       int
}

// DiscoveredPeer is a deduplicated scan result.
type DiscoveredPeer struct {
	Addr     string
	Name     string
	RSSI     int
	LastSeen time.Time
}

// Radio is the low-power broadcast medium. Implementations must honor
// context cancellation on every method and return ErrRadioUnavailable when
// the underlying adapter cannot be reached.
type Radio interface {
	// Advertise broadcasts ad until ctx is canceled.
	Advertise(ctx context.Context, ad Advertisement) error

	// Scan streams sightings for the given service tag. The returned
	// channel is closed when ctx is canceled.
	Scan(ctx context.Context, serviceTag string) (<-chan Sighting, error)

	// ReadBlob fetches the advertisement blob of a sighted peer.
	ReadBlob(ctx context.Context, addr string) ([]byte, error)
}
