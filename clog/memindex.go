package clog

import (
	"context"
	"sort"
	"sync"

	"github.com/shardcore/dbreplica/bucket"
)

// MemIndex is an in-memory reference implementation of Index, standing
// in for the underlying document store's real B-tree-style secondary
// indexes (spec §1 names the storage engine's durable layout a
// non-goal). It backs the package's own tests plus the standalone
// `cmd/replicad` daemon, and is what `store.MemStore` embeds.
type MemIndex struct {
	mu          sync.RWMutex
	bucketCount uint32
	nextEtag    uint64
	byBucket    [numKinds]map[bucket.ID][]Entry
	global      []Entry // every entry, commit order == etag order

	changeMu sync.Mutex
	changeCh chan struct{} // closed and replaced on every Append - a broadcast
}

func NewMemIndex(bucketCount uint32) *MemIndex {
	idx := &MemIndex{bucketCount: bucketCount, changeCh: make(chan struct{})}
	for k := range idx.byBucket {
		idx.byBucket[k] = make(map[bucket.ID][]Entry)
	}
	return idx
}

// Append assigns the next etag and indexes it both under (e.Kind,
// e.Bucket) and in the unfiltered global log. A single counter backs
// every kind, so the per-(kind, etag) uniqueness and strict monotonic
// increase spec §3 requires holds as a subsequence of the stronger,
// database-wide strictly increasing order the Outbound Replication
// Worker (§4.5) replays everything in.
func (idx *MemIndex) Append(e Entry) (uint64, error) {
	if !e.Kind.valid() {
		return 0, ErrInvalidKind(e.Kind)
	}
	if err := validateBucket(e.Bucket, idx.bucketCount); err != nil {
		return 0, err
	}
	idx.mu.Lock()
	idx.nextEtag++
	e.Etag = idx.nextEtag
	idx.byBucket[e.Kind][e.Bucket] = append(idx.byBucket[e.Kind][e.Bucket], e)
	idx.global = append(idx.global, e)
	idx.mu.Unlock()

	idx.broadcastChange()
	return e.Etag, nil
}

// ScanAll returns every entry of every kind and bucket with etag
// strictly greater than fromEtagExclusive, in ascending etag order, as
// of a read snapshot taken when the scan starts - the same
// point-in-time guarantee ScanByBucket makes. It backs the Outbound
// Replication Worker's full-database stream (spec §4.5), which replays
// the change log as one linear sequence rather than per bucket.
func (idx *MemIndex) ScanAll(_ context.Context, fromEtagExclusive uint64) (Cursor, error) {
	idx.mu.RLock()
	full := idx.global
	snap := full[:len(full):len(full)]
	idx.mu.RUnlock()

	start := sort.Search(len(snap), func(i int) bool { return snap[i].Etag > fromEtagExclusive })
	return &memCursor{entries: snap[start:], pos: -1}, nil
}

// EvictTombstonesBelow deletes Tombstone entries with etag strictly
// less than minEtag - the action spec §4.7 calls "the tombstone cleaner
// consumes this value and deletes tombstones whose etag is strictly
// less". It is the caller's (the tombstone cleaner's) responsibility to
// never pass a minEtag above repl.Loader.MinimalEtagForReplication().
func (idx *MemIndex) EvictTombstonesBelow(minEtag uint64) (evicted int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for b, entries := range idx.byBucket[Tombstone] {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Etag < minEtag {
				evicted++
				continue
			}
			kept = append(kept, e)
		}
		idx.byBucket[Tombstone][b] = kept
	}
	global := idx.global[:0:0]
	for _, e := range idx.global {
		if e.Kind == Tombstone && e.Etag < minEtag {
			continue
		}
		global = append(global, e)
	}
	idx.global = global
	return evicted
}

func (idx *MemIndex) broadcastChange() {
	idx.changeMu.Lock()
	close(idx.changeCh)
	idx.changeCh = make(chan struct{})
	idx.changeMu.Unlock()
}

// ChangeNotification returns a channel that closes the next time any
// entry is appended - used by subscription connections and outbound
// workers to block on "next change" per spec §5's suspension points,
// instead of busy-polling.
func (idx *MemIndex) ChangeNotification() <-chan struct{} {
	idx.changeMu.Lock()
	ch := idx.changeCh
	idx.changeMu.Unlock()
	return ch
}

func (idx *MemIndex) BucketCount() uint32 { return idx.bucketCount }

func (idx *MemIndex) ScanByBucket(_ context.Context, k Kind, b bucket.ID, fromEtagExclusive uint64) (Cursor, error) {
	if !k.valid() {
		return nil, ErrInvalidKind(k)
	}
	if err := validateBucket(b, idx.bucketCount); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	full := idx.byBucket[k][b]
	// Cap capacity so concurrent Append()s never mutate what we read: a
	// snapshot is "entries committed before the scan starts" (spec §4.2).
	snap := full[:len(full):len(full)]
	idx.mu.RUnlock()

	start := sort.Search(len(snap), func(i int) bool { return snap[i].Etag > fromEtagExclusive })
	return &memCursor{entries: snap[start:], pos: -1}, nil
}

type memCursor struct {
	entries []Entry
	pos     int
}

func (c *memCursor) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	c.pos++
	return c.pos < len(c.entries)
}

func (c *memCursor) Entry() Entry { return c.entries[c.pos] }
func (c *memCursor) Err() error   { return nil }
func (c *memCursor) Close()       {}
