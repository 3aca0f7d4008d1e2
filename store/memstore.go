package store

import (
	"fmt"
	"sync"

	"github.com/shardcore/dbreplica/clog"
)

// MemStore is an in-memory Contract, embedding clog.MemIndex for the
// change-log half of the interface and adding the replication-facing
// idempotency and change-vector bookkeeping on top.
type MemStore struct {
	*clog.MemIndex

	selfTag string

	mu           sync.Mutex
	lastBySource map[string]uint64
	vector       uint64
}

func NewMemStore(bucketCount uint32, selfTag string) *MemStore {
	return &MemStore{
		MemIndex:     clog.NewMemIndex(bucketCount),
		selfTag:      selfTag,
		lastBySource: make(map[string]uint64),
	}
}

// Apply re-indexes e under this node's own etag space and records
// sourceDatabaseID's progress. Replaying an already-applied (source,
// etag) pair - the resume-after-reconnect case spec §4.6 requires to be
// safe - is a no-op because incoming etags from one source are strictly
// increasing and MemStore only ever advances lastBySource forward.
func (ms *MemStore) Apply(sourceDatabaseID string, e clog.Entry) error {
	ms.mu.Lock()
	if e.Etag != 0 && e.Etag <= ms.lastBySource[sourceDatabaseID] {
		ms.mu.Unlock()
		return nil
	}
	if e.Etag > ms.lastBySource[sourceDatabaseID] {
		ms.lastBySource[sourceDatabaseID] = e.Etag
	}
	ms.vector++
	ms.mu.Unlock()

	_, err := ms.MemIndex.Append(e)
	return err
}

func (ms *MemStore) LastAcceptedEtagFrom(sourceDatabaseID string) uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastBySource[sourceDatabaseID]
}

func (ms *MemStore) ChangeVector() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return fmt.Sprintf("%s:%d", ms.selfTag, ms.vector)
}
