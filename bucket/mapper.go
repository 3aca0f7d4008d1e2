// Package bucket implements the deterministic mapping of a document id to
// a bucket and, given a shard topology, the bucket's owning shard. It is
// the Bucket Mapper of spec.md §4.1, grounded on the teacher's own
// identity-hashing helper (`cluster.Snode.Digest`, which hashes a node id
// with `github.com/OneOfOne/xxhash`) generalized here to document ids.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package bucket

import (
	"sort"
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/shardcore/dbreplica/cmn"
)

// ID is a bucket number in [0, Count).
type ID uint32

// routingSeparator is the distinguished character spec §3 names: the
// routing key of "users/7$tenantA" is "tenantA".
const routingSeparator = '$'

// seed is a fixed constant so bucket_of is byte-for-byte reproducible
// across every node and language implementation, per spec §4.1's
// determinism requirement. It must never change.
const seed = 0x61697374 // "aist" - arbitrary, fixed forever

// Of derives the bucket of a document id. The routing key is either the
// full id, or - when the id contains the '$' separator - the segment
// after it, so that "users/7$tenantA" and "users/9$tenantA" always land
// in the same bucket regardless of their own content.
func Of(id string, count uint32) ID {
	key := id
	if i := strings.IndexByte(id, routingSeparator); i >= 0 {
		key = id[i+1:]
	}
	h := xxhash.ChecksumString64S(key, seed)
	return ID(uint32(h) % count)
}

// Range is a half-open interval [Lo, Hi) of bucket ids owned by Shard.
type Range struct {
	Lo, Hi uint32
	Shard  int32
}

func (r Range) Contains(b ID) bool { return uint32(b) >= r.Lo && uint32(b) < r.Hi }

// MigrationStatus is the status machine of an in-flight bucket migration
// (spec §3): at most one migration owns a given bucket at any time.
type MigrationStatus int

const (
	Moving MigrationStatus = iota
	OwnershipTransferred
	Finalized
)

func (s MigrationStatus) String() string {
	switch s {
	case Moving:
		return "Moving"
	case OwnershipTransferred:
		return "OwnershipTransferred"
	case Finalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// Migration temporarily co-owns Bucket on both Source and Dest shards.
type Migration struct {
	Bucket ID
	Source int32
	Dest   int32
	Status MigrationStatus
}

// Ranges is a bucket-range table kept sorted by Lo, so lookups can binary
// search it - spec §4.1's tie-break rule ("the range whose lo is the
// greatest value <= bucket").
type Ranges []Range

func (rs Ranges) sorted() Ranges {
	out := append(Ranges(nil), rs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Lo < out[j].Lo })
	return out
}

// ShardOf resolves the shard that owns b, honoring an in-flight
// migration: reads may be served by either endpoint of the migration,
// writes go to the source until OwnershipTransferred, after which they
// go to the destination (spec §4.1).
//
// forWrite selects the write-path rule; when forWrite is false (a read),
// ReadShards returns both candidate shards whenever a migration is
// active, the source first.
func ShardOf(b ID, ranges Ranges, migrations []Migration, forWrite bool) (shard int32, err error) {
	for _, m := range migrations {
		if m.Bucket != b {
			continue
		}
		if !forWrite {
			return m.Source, nil
		}
		if m.Status == OwnershipTransferred || m.Status == Finalized {
			return m.Dest, nil
		}
		return m.Source, nil
	}
	return staticShardOf(b, ranges)
}

// ReadShards returns every shard allowed to serve a read of b: just the
// static owner normally, or both migration endpoints while a migration
// is in flight.
func ReadShards(b ID, ranges Ranges, migrations []Migration) ([]int32, error) {
	for _, m := range migrations {
		if m.Bucket != b {
			continue
		}
		return []int32{m.Source, m.Dest}, nil
	}
	shard, err := staticShardOf(b, ranges)
	if err != nil {
		return nil, err
	}
	return []int32{shard}, nil
}

func staticShardOf(b ID, ranges Ranges) (int32, error) {
	if len(ranges) == 0 {
		return 0, cmn.NewNotFoundError("shard range for bucket %d", b)
	}
	sorted := ranges.sorted()
	// binary search: the range whose Lo is the greatest value <= bucket
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Lo > uint32(b) })
	if i == 0 {
		return 0, cmn.NewNotFoundError("shard range for bucket %d", b)
	}
	r := sorted[i-1]
	if !r.Contains(b) {
		return 0, cmn.NewNotFoundError("shard range for bucket %d", b)
	}
	return r.Shard, nil
}

// ActiveMigrationFor reports the migration (if any) currently owning b.
func ActiveMigrationFor(b ID, migrations []Migration) (Migration, bool) {
	for _, m := range migrations {
		if m.Bucket == b {
			return m, true
		}
	}
	return Migration{}, false
}
