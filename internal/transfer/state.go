package transfer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the engine's position in a transfer.
type State int

const (
	StateAwaitingConnection State = iota
	StateManifestExchange
	StateStreaming
	StateFinalizing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateManifestExchange:
		return "manifest_exchange"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a snapshot of transfer position.
type Progress struct {
	FileIndex    int
	FileBytes    int64
	SessionBytes int64
	TotalBytes   int64
}

// ProgressFn receives throttled progress snapshots.
type ProgressFn func(p Progress)

// progressInterval is the minimum spacing between non-forced callbacks.
const progressInterval = 250 * time.Millisecond

// Session runs one side of a transfer over an established connection.
type Session struct {
	logger     *slog.Logger
	onProgress ProgressFn

	mu      sync.Mutex
	state   State
	failure error

	lastProgress atomic.Int64 // UnixNano of last emitted callback
}

// NewSession creates a session in the awaiting-connection state.
func NewSession(logger *slog.Logger, onProgress ProgressFn) *Session {
	return &Session{logger: logger, onProgress: onProgress}
}

// State returns the current engine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateFailed {
		s.state = st
	}
	s.mu.Unlock()
	s.logger.Debug("engine state", "state", st.String())
}

// fail records the first failure and pins the state; later failures keep
// the original cause.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return s.failure
	}
	s.state = StateFailed
	s.failure = err
	s.logger.Error("transfer failed", "err", err)
	return err
}

// emit invokes the progress callback, throttled to progressInterval unless
// forced. File boundaries and completion always force an update.
func (s *Session) emit(p Progress, force bool) {
	if s.onProgress == nil {
		return
	}
	now := time.Now().UnixNano()
	if !force {
		last := s.lastProgress.Load()
		if now-last < int64(progressInterval) {
			return
		}
		if !s.lastProgress.CompareAndSwap(last, now) {
			return
		}
	} else {
		s.lastProgress.Store(now)
	}
	s.onProgress(p)
}
