package cmn_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shardcore/dbreplica/cmn"
)

func TestTimeoutGroupSmoke(t *testing.T) {
	wg := cmn.NewTimeoutGroup()
	wg.Add(1)
	wg.Done()
	if wg.WaitTimeout(time.Second) {
		t.Error("wait timed out")
	}
}

func TestTimeoutGroupWait(t *testing.T) {
	wg := cmn.NewTimeoutGroup()
	wg.Add(2)
	wg.Done()
	wg.Done()
	wg.Wait()
}

func TestTimeoutGroupTimeout(t *testing.T) {
	wg := cmn.NewTimeoutGroup()
	wg.Add(1)

	go func() {
		time.Sleep(time.Second * 3)
		wg.Done()
	}()

	if !wg.WaitTimeout(time.Second) {
		t.Error("group did not time out")
	}
	if wg.WaitTimeout(time.Second * 3) {
		t.Error("group timed out")
	}
}

func TestTimeoutGroupStop(t *testing.T) {
	wg := cmn.NewTimeoutGroup()
	wg.Add(1)

	go func() {
		time.Sleep(time.Second * 3)
		wg.Done()
	}()

	if !wg.WaitTimeout(time.Second) {
		t.Error("group did not time out")
	}

	stopCh := make(chan struct{}, 1)
	stopCh <- struct{}{}

	timed, stopped := wg.WaitTimeoutWithStop(time.Second, stopCh)
	if timed {
		t.Error("group should not time out")
	}
	if !stopped {
		t.Error("group should be stopped")
	}

	if timed, stopped = wg.WaitTimeoutWithStop(time.Second*3, stopCh); timed || stopped {
		t.Error("group timed out or was stopped on finish")
	}
}

func TestDynSemaphore(t *testing.T) {
	limit := 10
	sema := cmn.NewDynSemaphore(limit)

	var i int32
	var max int32
	wg := &sync.WaitGroup{}

	for j := 0; j < 10*limit; j++ {
		sema.Acquire()
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur := atomic.AddInt32(&i, 1)
			for {
				old := atomic.LoadInt32(&max)
				if cur <= old || atomic.CompareAndSwapInt32(&max, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&i, -1)
			sema.Release()
		}()
	}

	wg.Wait()
	if int(max) != limit {
		t.Fatalf("actual limit %d was different than expected %d", max, limit)
	}
}
