package repl_test

import (
	"testing"
	"time"

	"github.com/shardcore/dbreplica/repl"
)

func TestIncomingRegistryAdmitsNewSourceAndRejectsLiveDuplicate(t *testing.T) {
	r := repl.NewIncomingRegistry()

	if !r.Admit("db-a", "A", func() {}) {
		t.Fatal("expected a brand new source to be admitted")
	}
	if r.Admit("db-a", "A", func() {}) {
		t.Fatal("expected a second connection from a live source to be rejected")
	}

	r.Remove("db-a")
	if !r.Admit("db-a", "A", func() {}) {
		t.Fatal("expected a source to be re-admitted once its prior holder is removed")
	}
}

func TestIncomingRegistryKeepsFreshHolder(t *testing.T) {
	r := repl.NewIncomingRegistry()

	evicted := make(chan struct{}, 1)
	if !r.Admit("db-a", "A", func() { close(evicted) }) {
		t.Fatal("expected the first connection to be admitted")
	}

	// A holder whose heartbeat is still fresh must not be evicted.
	r.Touch("db-a")
	if r.Admit("db-a", "A", func() {}) {
		t.Fatal("expected a fresh holder to reject a reconnect attempt")
	}
	select {
	case <-evicted:
		t.Fatal("a fresh holder must not be cancelled")
	default:
	}
}

func TestIncomingRegistryDropByNodeTagCancelsMatchingEntries(t *testing.T) {
	r := repl.NewIncomingRegistry()

	droppedA := make(chan struct{}, 1)
	droppedB := make(chan struct{}, 1)
	if !r.Admit("db-a", "A", func() { close(droppedA) }) {
		t.Fatal("expected db-a to be admitted")
	}
	if !r.Admit("db-b", "B", func() { close(droppedB) }) {
		t.Fatal("expected db-b to be admitted")
	}

	r.DropByNodeTag(map[string]struct{}{"A": {}})

	select {
	case <-droppedA:
	case <-time.After(time.Second):
		t.Fatal("expected the entry sourced from node A to be cancelled")
	}
	select {
	case <-droppedB:
		t.Fatal("node B's entry must not be cancelled")
	default:
	}

	// db-a's slot is free again now that its holder was dropped.
	if !r.Admit("db-a", "A", func() {}) {
		t.Fatal("expected db-a to be re-admittable after DropByNodeTag")
	}
}
