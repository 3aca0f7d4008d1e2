package repl

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// staleInboundAfter is spec §4.4's admission threshold: a fresh
// connection from a source-database-id wins over a stale holder whose
// last heartbeat is older than this, otherwise the new connection is
// rejected outright.
const staleInboundAfter = 60 * time.Second

type incomingEntry struct {
	sourceNodeTag string
	cancel        func()
	lastHeartbeat atomic.Int64 // unix nanos
}

// IncomingRegistry is the Loader's `incoming` map of spec §5: every
// accepted replication connection registers itself here under its
// source-database-id before entering its receive loop, giving the
// reconciler and the admission check a single place to answer "who, if
// anyone, currently holds this source" (spec §8: "exactly one inbound
// handler per source-database-id at any time"). A plain mutex-guarded
// map is enough here - admission churns far less often than the
// streaming it guards - the same tradeoff `Pool` makes over its own
// destination map.
type IncomingRegistry struct {
	mu      sync.Mutex
	entries map[string]*incomingEntry
}

func NewIncomingRegistry() *IncomingRegistry {
	return &IncomingRegistry{entries: make(map[string]*incomingEntry)}
}

// Admit implements spec §4.4's "at most one inbound connection per
// source-database-id": a brand new source is always admitted. A
// reconnecting source evicts its own predecessor once that holder's
// last heartbeat is older than staleInboundAfter; otherwise the new
// connection is rejected and cancel is never called.
func (r *IncomingRegistry) Admit(sourceDatabaseID, sourceNodeTag string, cancel func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[sourceDatabaseID]; ok {
		age := time.Since(time.Unix(0, prev.lastHeartbeat.Load()))
		if age < staleInboundAfter {
			return false
		}
		prev.cancel()
	}
	e := &incomingEntry{sourceNodeTag: sourceNodeTag, cancel: cancel}
	e.lastHeartbeat.Store(time.Now().UnixNano())
	r.entries[sourceDatabaseID] = e
	return true
}

// Touch resets sourceDatabaseID's staleness clock, called once per
// received batch or heartbeat so a live connection never looks stale to
// a racing reconnect attempt.
func (r *IncomingRegistry) Touch(sourceDatabaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sourceDatabaseID]; ok {
		e.lastHeartbeat.Store(time.Now().UnixNano())
	}
}

// Remove forgets sourceDatabaseID's entry, called by the holder itself
// when its receive loop returns. It is a no-op if a newer connection has
// already replaced this one via Admit's eviction path.
func (r *IncomingRegistry) Remove(sourceDatabaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sourceDatabaseID)
}

// DropByNodeTag cancels and forgets every entry whose source node tag
// is in tags, implementing spec §4.4 step 4: when a topology member is
// no longer a desired outbound destination, its inbound connection (if
// any) is torn down alongside the outbound Worker being disposed.
func (r *IncomingRegistry) DropByNodeTag(tags map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if _, ok := tags[e.sourceNodeTag]; ok {
			e.cancel()
			delete(r.entries, id)
		}
	}
}
