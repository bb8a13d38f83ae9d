package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanDedup(t *testing.T) {
	radio := NewMockRadio()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ad := Advertisement{ServiceTag: "tag", Name: "desk", Blob: []byte("blob")}
	adv := StartAdvertise(ctx, radio, ad, testLogger())
	defer adv.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Same address sighted repeatedly with varying signal.
		time.Sleep(50 * time.Millisecond)
		radio.Inject(Sighting{Addr: "mock-01", Name: "desk", ServiceTag: "tag", RSSI: -55})
		radio.Inject(Sighting{Addr: "mock-01", Name: "desk", ServiceTag: "tag", RSSI: -60})
	}()

	peers, err := ScanWindow(ctx, radio, "tag", 300*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	<-done

	if len(peers) != 1 {
		t.Fatalf("expected 1 deduplicated peer, got %d: %+v", len(peers), peers)
	}
	if peers[0].RSSI != -60 {
		t.Fatalf("expected refreshed RSSI -60, got %d", peers[0].RSSI)
	}
	if peers[0].Name != "desk" {
		t.Fatalf("unexpected name %q", peers[0].Name)
	}
}

func TestScanSkipsMalformed(t *testing.T) {
	radio := NewMockRadio()
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		radio.Inject(Sighting{Addr: "", ServiceTag: "tag", RSSI: -10})
		radio.Inject(Sighting{Addr: "good", ServiceTag: "tag", RSSI: -50})
	}()

	peers, err := ScanWindow(ctx, radio, "tag", 300*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(peers) != 1 || peers[0].Addr != "good" {
		t.Fatalf("expected only the well-formed sighting, got %+v", peers)
	}
}

func TestScanWindowBounded(t *testing.T) {
	radio := NewMockRadio()
	start := time.Now()
	peers, err := ScanWindow(context.Background(), radio, "tag", 150*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected empty result, got %+v", peers)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("scan did not respect window, took %v", elapsed)
	}
}

func TestScanCancel(t *testing.T) {
	radio := NewMockRadio()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ScanWindow(ctx, radio, "tag", time.Minute, testLogger())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRadioUnavailable(t *testing.T) {
	radio := NewMockRadio()
	radio.SetUnavailable(true)

	if _, err := ScanWindow(context.Background(), radio, "tag", time.Second, testLogger()); !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("scan: expected ErrRadioUnavailable, got %v", err)
	}

	adv := StartAdvertise(context.Background(), radio, Advertisement{ServiceTag: "tag"}, testLogger())
	select {
	case <-adv.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("advertise failure not signaled")
	}
	if !errors.Is(adv.Err(), ErrRadioUnavailable) {
		t.Fatalf("advertise: expected ErrRadioUnavailable, got %v", adv.Err())
	}
	adv.Stop()
}

// droppingRadio starts a scan and immediately loses the sighting stream, as
// a beacon hub connection dropping mid-scan would.
type droppingRadio struct{ *MockRadio }

func (r droppingRadio) Scan(ctx context.Context, serviceTag string) (<-chan Sighting, error) {
	ch := make(chan Sighting)
	close(ch)
	return ch, nil
}

func TestScanRadioLostMidWindow(t *testing.T) {
	radio := droppingRadio{NewMockRadio()}

	start := time.Now()
	_, err := ScanWindow(context.Background(), radio, "tag", time.Minute, testLogger())
	if !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("expected ErrRadioUnavailable, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("scan did not report the lost radio promptly")
	}
}

func TestReadBlob(t *testing.T) {
	radio := NewMockRadio()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adv := StartAdvertise(ctx, radio, Advertisement{ServiceTag: "tag", Blob: []byte("ticket")}, testLogger())

	peers, err := ScanWindow(ctx, radio, "tag", 200*time.Millisecond, testLogger())
	if err != nil || len(peers) != 1 {
		t.Fatalf("scan: peers=%v err=%v", peers, err)
	}

	blob, err := radio.ReadBlob(ctx, peers[0].Addr)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(blob) != "ticket" {
		t.Fatalf("blob = %q", blob)
	}

	adv.Stop()
	if _, err := radio.ReadBlob(ctx, peers[0].Addr); err == nil {
		t.Fatal("expected error after advertiser stopped")
	}
}
