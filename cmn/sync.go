package cmn

import (
	"sync"
	"time"
)

// TimeoutGroup is a sync.WaitGroup that also supports waiting with a
// timeout or an external stop channel. The replication Pool keeps one
// per worker so Remove never blocks indefinitely on worker teardown
// (spec §4.4 "never block the reconciler on worker teardown").
type TimeoutGroup struct {
	wg  sync.WaitGroup
	ch  chan struct{}
	mtx sync.Mutex
	n   int
}

func NewTimeoutGroup() *TimeoutGroup {
	return &TimeoutGroup{ch: make(chan struct{})}
}

func (tg *TimeoutGroup) Add(delta int) {
	tg.mtx.Lock()
	tg.n += delta
	tg.mtx.Unlock()
	tg.wg.Add(delta)
}

func (tg *TimeoutGroup) Done() {
	tg.mtx.Lock()
	tg.n--
	done := tg.n == 0
	tg.mtx.Unlock()
	tg.wg.Done()
	if done {
		select {
		case tg.ch <- struct{}{}:
		default:
		}
	}
}

func (tg *TimeoutGroup) Wait() { tg.wg.Wait() }

// WaitTimeout returns true if the wait timed out before all Done() calls
// completed.
func (tg *TimeoutGroup) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		tg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}

// WaitTimeoutWithStop waits for completion, a timeout, or a stop signal -
// whichever comes first - and reports which one fired.
func (tg *TimeoutGroup) WaitTimeoutWithStop(timeout time.Duration, stopCh <-chan struct{}) (timedOut, stopped bool) {
	done := make(chan struct{})
	go func() {
		tg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return false, false
	case <-stopCh:
		return false, true
	case <-time.After(timeout):
		return true, false
	}
}

// DynSemaphore is a semaphore whose capacity can be adjusted at runtime
// via SetSize. Nothing in this repository outside its own tests uses it.
type DynSemaphore struct {
	mtx  sync.Mutex
	cond *sync.Cond
	cur  int
	size int
}

func NewDynSemaphore(size int) *DynSemaphore {
	sema := &DynSemaphore{size: size}
	sema.cond = sync.NewCond(&sema.mtx)
	return sema
}

func (s *DynSemaphore) Acquire() {
	s.mtx.Lock()
	for s.cur >= s.size {
		s.cond.Wait()
	}
	s.cur++
	s.mtx.Unlock()
}

func (s *DynSemaphore) Release() {
	s.mtx.Lock()
	s.cur--
	s.mtx.Unlock()
	s.cond.Signal()
}

func (s *DynSemaphore) SetSize(size int) {
	s.mtx.Lock()
	s.size = size
	s.mtx.Unlock()
	s.cond.Broadcast()
}
