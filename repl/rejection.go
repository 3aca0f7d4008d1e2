package repl

import (
	"sync"
	"time"

	"github.com/shardcore/dbreplica/cmn"
)

// Rejection records why an inbound connection attempt was refused, per
// spec §4.4: "Rejections are stored in a bounded per-source ring buffer
// with reason strings - never thrown away silently."
type Rejection struct {
	ID               string
	SourceDatabaseID string
	Reason           string
	At               time.Time
}

// RejectionLog is a fixed-capacity ring buffer of Rejection, safe for
// concurrent use from every inbound-accept goroutine.
type RejectionLog struct {
	mu      sync.Mutex
	buf     []Rejection
	cap     int
	next    int
	wrapped bool
}

func NewRejectionLog(capacity int) *RejectionLog {
	return &RejectionLog{buf: make([]Rejection, capacity), cap: capacity}
}

func (l *RejectionLog) Add(sourceDBID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cap == 0 {
		return
	}
	l.buf[l.next] = Rejection{ID: cmn.GenUUID(), SourceDatabaseID: sourceDBID, Reason: reason, At: time.Now()}
	l.next = (l.next + 1) % l.cap
	if l.next == 0 {
		l.wrapped = true
	}
}

// Snapshot returns every recorded rejection, oldest first.
func (l *RejectionLog) Snapshot() []Rejection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.wrapped {
		out := make([]Rejection, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]Rejection, l.cap)
	copy(out, l.buf[l.next:])
	copy(out[l.cap-l.next:], l.buf[:l.next])
	return out
}
