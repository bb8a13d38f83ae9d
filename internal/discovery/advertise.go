package discovery

import (
	"context"
	"log/slog"
	"sync"
)

// Advertiser is a running advertisement. Stop cancels the broadcast and
// waits for the radio to release it; Failed is closed if the broadcast dies
// for any reason other than cancellation.
type Advertiser struct {
	cancel context.CancelFunc
	done   chan struct{}
	failed chan struct{}

	mu  sync.Mutex
	err error
}

// StartAdvertise begins broadcasting ad on radio and returns a handle.
// The broadcast runs until Stop is called or ctx is canceled.
func StartAdvertise(ctx context.Context, radio Radio, ad Advertisement, logger *slog.Logger) *Advertiser {
	ctx, cancel := context.WithCancel(ctx)
	a := &Advertiser{
		cancel: cancel,
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}

	go func() {
		defer close(a.done)
		err := radio.Advertise(ctx, ad)
		if err != nil && ctx.Err() == nil {
			logger.Error("advertise failed", "service_tag", ad.ServiceTag, "err", err)
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			close(a.failed)
		}
	}()

	return a
}

// Stop cancels the broadcast and waits for it to wind down.
func (a *Advertiser) Stop() {
	a.cancel()
	<-a.done
}

// Failed is closed when the broadcast dies before being stopped. A waiter
// must still call Stop; Err carries the cause.
func (a *Advertiser) Failed() <-chan struct{} { return a.failed }

// Err reports a broadcast failure other than cancellation.
func (a *Advertiser) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
