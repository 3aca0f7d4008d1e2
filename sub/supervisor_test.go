package sub_test

import (
	"context"
	"testing"
	"time"

	"github.com/shardcore/dbreplica/sub"
	"github.com/shardcore/dbreplica/transport"
)

func TestSupervisorOpenIfFreeRejectsSecondHolder(t *testing.T) {
	s := sub.NewSupervisor()
	ctx := context.Background()

	if err := s.Attempt(ctx, "orders", "worker-1", transport.StrategyOpenIfFree, nil); err != nil {
		t.Fatalf("first OpenIfFree: %v", err)
	}
	if err := s.Attempt(ctx, "orders", "worker-2", transport.StrategyOpenIfFree, nil); err == nil {
		t.Fatal("expected second OpenIfFree to be rejected while the slot is held")
	}
}

func TestSupervisorTakeOverEvictsHolder(t *testing.T) {
	s := sub.NewSupervisor()
	ctx := context.Background()

	dropped := make(chan string, 1)
	if err := s.Attempt(ctx, "orders", "worker-1", transport.StrategyOpenIfFree, func(reason string) { dropped <- reason }); err != nil {
		t.Fatalf("first OpenIfFree: %v", err)
	}
	if err := s.Attempt(ctx, "orders", "worker-2", transport.StrategyTakeOver, nil); err != nil {
		t.Fatalf("TakeOver: %v", err)
	}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("expected the prior holder to be dropped")
	}
	if holder, ok := s.Holder("orders"); !ok || holder != "worker-2" {
		t.Fatalf("expected worker-2 to hold the slot, got %q (%v)", holder, ok)
	}
}

func TestSupervisorWaitForFreeUnblocksOnRelease(t *testing.T) {
	s := sub.NewSupervisor()
	ctx := context.Background()

	if err := s.Attempt(ctx, "orders", "worker-1", transport.StrategyOpenIfFree, nil); err != nil {
		t.Fatalf("first OpenIfFree: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Attempt(ctx, "orders", "worker-2", transport.StrategyWaitForFree, nil) }()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitForFree returned before the slot was released")
	default:
	}

	s.Release("orders", "worker-1", false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForFree: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForFree never unblocked after Release")
	}
}

func TestSupervisorConcurrentNeverBlocks(t *testing.T) {
	s := sub.NewSupervisor()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Attempt(ctx, "orders", "worker", transport.StrategyConcurrent, nil); err != nil {
			t.Fatalf("Concurrent attempt %d: %v", i, err)
		}
	}
}

func TestSupervisorFailureStopwatchTripsAfterMaxErroneousPeriod(t *testing.T) {
	s := sub.NewSupervisor()

	if s.RecordConnectionFailure("orders", 50*time.Millisecond) {
		t.Fatal("a single failure must not trip the stopwatch immediately")
	}
	time.Sleep(60 * time.Millisecond)
	if !s.RecordConnectionFailure("orders", 50*time.Millisecond) {
		t.Fatal("expected the continuous failure streak to exceed max erroneous period")
	}
}

func TestSupervisorRegisterConnectionResetsFailureStopwatch(t *testing.T) {
	s := sub.NewSupervisor()

	s.RecordConnectionFailure("orders", 20*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	s.RegisterSubscriptionConnection("orders")

	if s.RecordConnectionFailure("orders", 20*time.Millisecond) {
		t.Fatal("expected the stopwatch to have been reset by RegisterSubscriptionConnection")
	}
}
