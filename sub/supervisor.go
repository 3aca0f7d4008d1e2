package sub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardcore/dbreplica/transport"
)

// DropFunc terminates an already-running Connection, e.g. by cancelling
// its context; Supervisor calls it when TakeOver displaces a holder.
type DropFunc func(reason string)

type holder struct {
	workerID string
	drop     DropFunc
}

// Supervisor arbitrates which worker connection owns a subscription
// slot on this node, implementing the four connection strategies spec
// §4.8 names. Exclusivity here is node-local: cross-node contention is
// resolved upstream by State.MentorNode routing a worker to the right
// node in the first place.
type Supervisor struct {
	mu           sync.Mutex
	exclusive    map[string]*holder       // name -> sole holder, for OpenIfFree/WaitForFree/TakeOver
	concurrent   map[string]int           // name -> count of Concurrent holders
	freed        map[string]chan struct{} // name -> broadcast channel, closed+replaced when a slot frees
	failureSince map[string]time.Time     // name -> start of the current continuous-failure streak, absent when healthy
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		exclusive:    make(map[string]*holder),
		concurrent:   make(map[string]int),
		freed:        make(map[string]chan struct{}),
		failureSince: make(map[string]time.Time),
	}
}

func (s *Supervisor) freedCh(name string) chan struct{} {
	ch, ok := s.freed[name]
	if !ok {
		ch = make(chan struct{})
		s.freed[name] = ch
	}
	return ch
}

func (s *Supervisor) broadcastFreed(name string) {
	if ch, ok := s.freed[name]; ok {
		close(ch)
		delete(s.freed, name)
	}
}

// Attempt claims a subscription slot for workerID under strategy. For
// StrategyConcurrent it always succeeds immediately. For the exclusive
// strategies it blocks (WaitForFree), evicts (TakeOver), or fails fast
// (OpenIfFree) per spec §4.8.
func (s *Supervisor) Attempt(ctx context.Context, name, workerID, strategy string, drop DropFunc) error {
	switch strategy {
	case transport.StrategyConcurrent:
		s.mu.Lock()
		s.concurrent[name]++
		s.mu.Unlock()
		return nil

	case transport.StrategyOpenIfFree:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, busy := s.exclusive[name]; busy {
			return fmt.Errorf("sub: subscription %q is already in use", name)
		}
		s.exclusive[name] = &holder{workerID: workerID, drop: drop}
		return nil

	case transport.StrategyTakeOver:
		s.mu.Lock()
		if prev, ok := s.exclusive[name]; ok && prev.drop != nil {
			prev.drop("taken over by another worker connection")
		}
		s.exclusive[name] = &holder{workerID: workerID, drop: drop}
		s.mu.Unlock()
		return nil

	case transport.StrategyWaitForFree:
		for {
			s.mu.Lock()
			if _, busy := s.exclusive[name]; !busy {
				s.exclusive[name] = &holder{workerID: workerID, drop: drop}
				s.mu.Unlock()
				return nil
			}
			ch := s.freedCh(name)
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
		}

	default:
		return fmt.Errorf("sub: unknown connection strategy %q", strategy)
	}
}

// Release gives up workerID's claim on name, waking any StrategyWaitForFree
// waiter.
func (s *Supervisor) Release(name, workerID string, concurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if concurrent {
		if s.concurrent[name] > 0 {
			s.concurrent[name]--
		}
		return
	}
	if h, ok := s.exclusive[name]; ok && h.workerID == workerID {
		delete(s.exclusive, name)
		s.broadcastFreed(name)
	}
}

// RegisterSubscriptionConnection records a successful two-way
// communication for name, resetting its continuous-failure stopwatch
// (spec §4.9: counted as a success "preventing rapid oscillation between
// workers from tripping max_erroneous_period").
func (s *Supervisor) RegisterSubscriptionConnection(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failureSince, name)
}

// RecordConnectionFailure notes a failed two-way communication for name
// and reports whether the continuous-failure streak now exceeds
// maxErroneousPeriod, spec §4.9's per-subscription stopwatch. A
// non-positive maxErroneousPeriod disables the check so callers fall
// back to sub.Store's failure-count threshold instead.
func (s *Supervisor) RecordConnectionFailure(name string, maxErroneousPeriod time.Duration) bool {
	if maxErroneousPeriod <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	since, ok := s.failureSince[name]
	if !ok {
		since = time.Now()
		s.failureSince[name] = since
	}
	return time.Since(since) >= maxErroneousPeriod
}

// Holder reports the current exclusive holder of name, if any, for
// diagnostics.
func (s *Supervisor) Holder(name string) (workerID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.exclusive[name]
	if !ok {
		return "", false
	}
	return h.workerID, true
}
