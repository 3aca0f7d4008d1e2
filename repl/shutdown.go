package repl

import (
	"sync"
	"time"
)

// ShutdownInfo is the per-destination Connection Shutdown Tracker of
// spec §3/component D: a bounded error window, an exponentially backed
// off retry schedule, and the bookkeeping the reconnect loop consults.
type ShutdownInfo struct {
	mu sync.Mutex

	lastErrorWindow []errorEntry // bounded to windowCap
	windowCap       int

	retries        uint32
	nextTimeout    time.Duration
	initialTimeout time.Duration
	maxTimeoutCap  time.Duration
	retryOn        time.Time

	lastHeartbeatTicks int64
	destinationDBID    string
}

type errorEntry struct {
	at  time.Time
	err error
}

func NewShutdownInfo(destinationDBID string, initialTimeout, maxTimeoutCap time.Duration, windowCap int) *ShutdownInfo {
	return &ShutdownInfo{
		destinationDBID: destinationDBID,
		initialTimeout:  initialTimeout,
		maxTimeoutCap:   maxTimeoutCap,
		nextTimeout:     initialTimeout,
		windowCap:       windowCap,
	}
}

// OnError records err, doubles NextTimeout (clamped to MaxTimeoutCap),
// bumps Retries, and schedules RetryOn = now + NextTimeout.
func (s *ShutdownInfo) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErrorWindow = append(s.lastErrorWindow, errorEntry{at: time.Now(), err: err})
	if len(s.lastErrorWindow) > s.windowCap {
		s.lastErrorWindow = s.lastErrorWindow[len(s.lastErrorWindow)-s.windowCap:]
	}

	s.retries++
	s.nextTimeout *= 2
	if s.nextTimeout > s.maxTimeoutCap {
		s.nextTimeout = s.maxTimeoutCap
	}
	s.retryOn = time.Now().Add(s.nextTimeout)
}

// Reset returns the tracker to its initial 1s-equivalent state, the way
// spec §3 requires after a successful (re)connection.
func (s *ShutdownInfo) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = 0
	s.nextTimeout = s.initialTimeout
	s.retryOn = time.Time{}
}

func (s *ShutdownInfo) Touch() {
	s.mu.Lock()
	s.lastHeartbeatTicks++
	s.mu.Unlock()
}

func (s *ShutdownInfo) RetryOn() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryOn
}

func (s *ShutdownInfo) Retries() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *ShutdownInfo) NextTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTimeout
}

// Errors returns a copy of the bounded error window, most recent last.
func (s *ShutdownInfo) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.lastErrorWindow))
	for i, e := range s.lastErrorWindow {
		out[i] = e.err
	}
	return out
}

func (s *ShutdownInfo) ReadyToRetry(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.retryOn)
}
