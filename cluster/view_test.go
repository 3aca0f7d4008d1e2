package cluster_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/shardcore/dbreplica/cluster"
)

func topo(ids ...string) *cluster.Topology {
	members := cluster.MemberMap{}
	for _, id := range ids {
		members[id] = cluster.NewMember(id, "n["+id+"]", "http://"+id+":8080")
	}
	return &cluster.Topology{Members: members, Version: 1}
}

var _ = Describe("View", func() {
	It("excludes self and deletion-in-progress members from InternalDestinations", func() {
		self := cluster.NewMember("A", "n[A]", "http://a:8080")
		rec := &cluster.DatabaseRecord{
			Topology:           topo("A", "B", "C"),
			DeletionInProgress: map[string]struct{}{"C": {}},
		}
		v := cluster.NewView(rec, 1, self)
		dests := v.InternalDestinations()
		Expect(dests).To(HaveLen(1))
		Expect(dests[0].NodeID).To(Equal("B"))
	})

	It("prefers the mentor node when it is present in the topology", func() {
		self := cluster.NewMember("A", "", "http://a")
		rec := &cluster.DatabaseRecord{
			Topology:    topo("A", "B", "C"),
			TaskMentors: map[string]string{"t1": "C"},
		}
		v := cluster.NewView(rec, 1, self)
		owner := v.WhoseTaskIsIt("t1", 0)
		Expect(owner.NodeID).To(Equal("C"))
		Expect(v.IsMyTask("t1", 0)).To(BeFalse())
	})

	It("falls back to a deterministic hash when the mentor is absent", func() {
		self := cluster.NewMember("A", "", "http://a")
		rec := &cluster.DatabaseRecord{
			Topology:    topo("A", "B"),
			TaskMentors: map[string]string{"t1": "ghost"},
		}
		v := cluster.NewView(rec, 1, self)
		first := v.WhoseTaskIsIt("t1", 42)
		second := v.WhoseTaskIsIt("t1", 42)
		Expect(first.NodeID).To(Equal(second.NodeID))
	})

	It("treats a nil record as an empty, passive-safe view", func() {
		v := cluster.NewView(nil, 0, nil)
		Expect(v.IsPassive()).To(BeTrue())
		Expect(v.InternalDestinations()).To(BeEmpty())
		Expect(v.Exists()).To(BeFalse())
	})

	It("distinguishes a deleted-but-present record from a gone one", func() {
		gone := cluster.NewView(nil, 0, nil)
		Expect(gone.Exists()).To(BeFalse())
		Expect(gone.IsDeleted()).To(BeFalse())

		deleted := cluster.NewView(&cluster.DatabaseRecord{Deleted: true}, 1, nil)
		Expect(deleted.Exists()).To(BeTrue())
		Expect(deleted.IsDeleted()).To(BeTrue())
	})
})

var _ = Describe("AtomicOwner", func() {
	It("hands out the latest snapshot without blocking readers", func() {
		owner := cluster.NewAtomicOwner(cluster.NewView(&cluster.DatabaseRecord{Topology: topo("A")}, 1, nil))
		Expect(owner.Get().CommitIndex()).To(Equal(int64(1)))
		owner.Put(cluster.NewView(&cluster.DatabaseRecord{Topology: topo("A", "B")}, 2, nil))
		Expect(owner.Get().CommitIndex()).To(Equal(int64(2)))
	})
})
