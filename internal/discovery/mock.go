package discovery

import (
	"context"
	"fmt"
	"sync"
)

// MockRadio is an in-process Radio for tests: advertisers and scanners in
// the same process see each other immediately. It lives outside the test
// files so session tests can reuse it.
type MockRadio struct {
	mu          sync.Mutex
	nextAddr    int
	ads         map[string]Advertisement
	subs        map[int]mockSub
	nextSub     int
	unavailable bool
}

type mockSub struct {
	serviceTag string
	ch         chan Sighting
}

var _ Radio = (*MockRadio)(nil)

// NewMockRadio returns an empty mock radio.
func NewMockRadio() *MockRadio {
	return &MockRadio{
		ads:  make(map[string]Advertisement),
		subs: make(map[int]mockSub),
	}
}

// SetUnavailable makes subsequent calls fail with ErrRadioUnavailable.
func (r *MockRadio) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

func (r *MockRadio) Advertise(ctx context.Context, ad Advertisement) error {
	r.mu.Lock()
	if r.unavailable {
		r.mu.Unlock()
		return ErrRadioUnavailable
	}
	r.nextAddr++
	addr := fmt.Sprintf("mock-%02d", r.nextAddr)
	r.ads[addr] = ad
	r.notifyLocked(Sighting{Addr: addr, Name: ad.Name, ServiceTag: ad.ServiceTag, RSSI: -40})
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	delete(r.ads, addr)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *MockRadio) Scan(ctx context.Context, serviceTag string) (<-chan Sighting, error) {
	r.mu.Lock()
	if r.unavailable {
		r.mu.Unlock()
		return nil, ErrRadioUnavailable
	}

	ch := make(chan Sighting, 16)
	id := r.nextSub
	r.nextSub++
	r.subs[id] = mockSub{serviceTag: serviceTag, ch: ch}

	// Replay advertisers already on the air.
	for addr, ad := range r.ads {
		if ad.ServiceTag == serviceTag {
			ch <- Sighting{Addr: addr, Name: ad.Name, ServiceTag: ad.ServiceTag, RSSI: -40}
		}
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, id)
		close(ch)
		r.mu.Unlock()
	}()

	return ch, nil
}

func (r *MockRadio) ReadBlob(ctx context.Context, addr string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return nil, ErrRadioUnavailable
	}
	ad, ok := r.ads[addr]
	if !ok {
		return nil, fmt.Errorf("no advertiser at %s", addr)
	}
	blob := make([]byte, len(ad.Blob))
	copy(blob, ad.Blob)
	return blob, nil
}

// Inject delivers a raw sighting to every matching scanner, bypassing the
// advertiser registry. Tests use it to simulate noisy or malformed traffic.
func (r *MockRadio) Inject(s Sighting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked(s)
}

func (r *MockRadio) notifyLocked(s Sighting) {
	for _, sub := range r.subs {
		if sub.serviceTag != s.ServiceTag {
			continue
		}
		select {
		case sub.ch <- s:
		default:
		}
	}
}
