// Package cluster provides the read-only Cluster State View of spec.md
// §4.3 (component C): a lazily-built, internally-consistent snapshot of
// topology, shard ranges, bucket migrations, external connection
// strings, and per-task mentor-node assignment. Grounded on the
// teacher's `cluster.Smap`/`cluster.Snode` - a versioned, immutable-once-
// read cluster map with a stable per-node digest - generalized from
// aistore's proxy/target roles to this engine's single peer role.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"fmt"
	"net/url"

	"github.com/OneOfOne/xxhash"

	"github.com/shardcore/dbreplica/cmn"
)

const mlcg32 = 0x9e3779b1 // odd constant, same role as the teacher's cmn.MLCG32

// Member is one node in the topology: the generalization of the
// teacher's Snode without the proxy/target role split, since every node
// in this engine's cluster can be a replication source and destination.
type Member struct {
	NodeID   string `json:"node_id"`
	NodeTag  string `json:"node_tag"`
	URL      string `json:"url"`
	digest   uint64
}

func NewMember(id, tag, rawURL string) *Member {
	m := &Member{NodeID: id, NodeTag: tag, URL: rawURL}
	m.Digest()
	return m
}

func (m *Member) Digest() uint64 {
	if m.digest == 0 {
		m.digest = xxhash.ChecksumString64S(m.NodeID, mlcg32)
	}
	return m.digest
}

func (m *Member) Equals(other *Member) bool {
	if m == nil || other == nil {
		return false
	}
	return m.NodeID == other.NodeID && m.NodeTag == other.NodeTag && m.URL == other.URL
}

func (m *Member) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("n[%s](%s)", m.NodeID, m.URL)
}

func (m *Member) Validate() error {
	if m == nil || m.NodeID == "" {
		return cmn.NewNotFoundError("member id")
	}
	if _, err := url.Parse(m.URL); err != nil {
		return fmt.Errorf("member %s: invalid url %q: %w", m.NodeID, m.URL, err)
	}
	return nil
}

// MemberMap is id -> Member, mirroring the teacher's NodeMap.
type MemberMap map[string]*Member

func (mm MemberMap) Contains(id string) bool { _, ok := mm[id]; return ok }

func (mm MemberMap) Clone() MemberMap {
	out := make(MemberMap, len(mm))
	for id, m := range mm {
		cp := *m
		out[id] = &cp
	}
	return out
}

// Topology is the versioned, cluster-wide member list - the
// generalization of the teacher's Smap with a single member role.
type Topology struct {
	Members MemberMap `json:"members"`
	Version int64     `json:"version"`
	UUID    string    `json:"uuid"`
}

func (t *Topology) Get(id string) *Member { return t.Members[id] }

func (t *Topology) Count() int { return len(t.Members) }

// Others returns every member except self and any id present in
// excluded (the reconciler's deletion-in-progress set, spec §4.4 step 2).
func (t *Topology) Others(selfID string, excluded map[string]struct{}) []*Member {
	out := make([]*Member, 0, len(t.Members))
	for id, m := range t.Members {
		if id == selfID {
			continue
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		out = append(out, m)
	}
	return out
}
