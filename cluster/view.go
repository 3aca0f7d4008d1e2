package cluster

import (
	"sort"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/atomic"

	"github.com/shardcore/dbreplica/bucket"
)

// ExternalConn names a destination outside this cluster's own topology:
// either a pull-replication sink (hub-served) or a plain external
// replication target (spec §3 ReplicationDestination variants
// ExternalSink / ExternalRegular).
type ExternalConn struct {
	ConnStr            string `json:"conn_str"`
	HubName            string `json:"hub_name,omitempty"`
	Cert               string `json:"cert,omitempty"`
	TaskID             string `json:"task_id"`
	Disabled           bool   `json:"disabled"`
	DelayReplicationFor int64 `json:"delay_replication_for_ns,omitempty"`
	IsSink             bool   `json:"is_sink"`
}

// DatabaseRecord is the raw record read from the consensus log (spec §6
// `read_raw_database_record`). It is the single source of truth the
// Cluster State View is built from.
type DatabaseRecord struct {
	Topology        *Topology
	ShardRanges     bucket.Ranges
	Migrations      []bucket.Migration
	ExternalSinks   []ExternalConn
	ExternalRegular []ExternalConn

	// TaskMentors maps a task id to the node id preferred to own it, per
	// spec §4.3's "per-task mentor-node assignment".
	TaskMentors map[string]string

	// DeletionInProgress is the set of member ids being decommissioned
	// (spec §4.4 step 2: "topology.members ∖ {self} ∖ deletion_in_progress").
	DeletionInProgress map[string]struct{}

	// Deleted marks the database itself as gone (a hard DeleteDatabase),
	// distinct from DeletionInProgress which tracks individual members
	// being decommissioned out of a live database's topology. A View
	// reading a record with Deleted set is the "database still exists
	// as a record but is being torn down" race outcome of spec §8
	// scenario 5; a View with a nil record entirely (see View.Exists)
	// is the "database record is already gone" outcome.
	Deleted bool

	Passive bool // this node has been told to stop serving replication/subscriptions
	Sharded bool // whether subscriptions must apply bucket-ownership filtering (spec §4.8)
}

// View is a read-only, internally consistent snapshot of a
// DatabaseRecord as of one commit index - the Cluster State View of
// spec §4.3. All of View's accessors read from the one record it wraps,
// so two calls on the same View can never observe different points in
// time, matching the spec's "all reads within one snapshot come from the
// same underlying transaction".
type View struct {
	rec         *DatabaseRecord
	commitIndex int64
	self        *Member
}

func NewView(rec *DatabaseRecord, commitIndex int64, self *Member) *View {
	return &View{rec: rec, commitIndex: commitIndex, self: self}
}

func (v *View) CommitIndex() int64 { return v.commitIndex }
func (v *View) Self() *Member      { return v.self }
func (v *View) IsPassive() bool    { return v.rec == nil || v.rec.Passive }
func (v *View) Sharded() bool      { return v.rec != nil && v.rec.Sharded }

// Exists reports whether this View still wraps a database record at
// all. A nil record is the "the database record has been removed
// entirely" race outcome of spec §8 scenario 5 (DatabaseDoesNotExist),
// as opposed to IsDeleted's "record present, marked for teardown"
// outcome (DatabaseGone).
func (v *View) Exists() bool { return v.rec != nil }

// IsDeleted reports whether the wrapped record has been marked for a
// hard deletion (spec §8 scenario 5's DatabaseGone outcome).
func (v *View) IsDeleted() bool { return v.rec != nil && v.rec.Deleted }

func (v *View) Topology() *Topology {
	if v.rec == nil {
		return &Topology{Members: MemberMap{}}
	}
	return v.rec.Topology
}

func (v *View) ShardRanges() bucket.Ranges {
	if v.rec == nil {
		return nil
	}
	return v.rec.ShardRanges
}

func (v *View) Migrations() []bucket.Migration {
	if v.rec == nil {
		return nil
	}
	return v.rec.Migrations
}

func (v *View) ExternalSinks() []ExternalConn {
	if v.rec == nil {
		return nil
	}
	return v.rec.ExternalSinks
}

func (v *View) ExternalRegular() []ExternalConn {
	if v.rec == nil {
		return nil
	}
	return v.rec.ExternalRegular
}

func (v *View) IsDeletionInProgress(nodeID string) bool {
	if v.rec == nil || v.rec.DeletionInProgress == nil {
		return false
	}
	_, ok := v.rec.DeletionInProgress[nodeID]
	return ok
}

// InternalDestinations returns this node's peer set for internal
// replication (spec §4.4 step 2): every topology member other than self
// and anything marked for deletion.
func (v *View) InternalDestinations() []*Member {
	if v.rec == nil || v.rec.Topology == nil || v.self == nil {
		return nil
	}
	excluded := v.rec.DeletionInProgress
	return v.Topology().Others(v.self.NodeID, excluded)
}

// WhoseTaskIsIt resolves task ownership (spec §4.3): the mentor node if
// it is alive in the current topology, otherwise a deterministic hash of
// (taskID, epoch) into the sorted member list.
func (v *View) WhoseTaskIsIt(taskID string, epoch int64) *Member {
	topo := v.Topology()
	if v.rec != nil {
		if mentor, ok := v.rec.TaskMentors[taskID]; ok {
			if m := topo.Get(mentor); m != nil {
				return m
			}
		}
	}
	ids := make([]string, 0, len(topo.Members))
	for id := range topo.Members {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	h := xxhash.ChecksumString64S(taskID, uint64(epoch))
	return topo.Members[ids[h%uint64(len(ids))]]
}

// IsMyTask implements spec §4.3's is_my_task predicate.
func (v *View) IsMyTask(taskID string, epoch int64) bool {
	owner := v.WhoseTaskIsIt(taskID, epoch)
	return owner != nil && v.self != nil && owner.NodeID == v.self.NodeID
}

// Owner hands out the current View the way the teacher's Sowner hands
// out the current Smap: Get() returns an immutable snapshot that never
// changes underfoot.
type Owner interface {
	Get() *View
}

// AtomicOwner is an Owner backed by a single atomic pointer swap, so
// readers never block a concurrent update (spec §5: "all other code
// paths are non-blocking under the read lock").
type AtomicOwner struct {
	v atomic.Value
}

func NewAtomicOwner(initial *View) *AtomicOwner {
	o := &AtomicOwner{}
	if initial != nil {
		o.v.Store(initial)
	}
	return o
}

func (o *AtomicOwner) Get() *View {
	v := o.v.Load()
	if v == nil {
		return NewView(&DatabaseRecord{Topology: &Topology{Members: MemberMap{}}}, 0, nil)
	}
	return v.(*View)
}

func (o *AtomicOwner) Put(v *View) { o.v.Store(v) }
