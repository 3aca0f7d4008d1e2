// Package store defines the external local document store collaborator
// of spec.md §6: the durable per-node storage engine this repository
// never implements (storage layout is a named non-goal), but whose
// contract every other package programs against. MemStore is the
// in-memory stand-in used by tests and the standalone daemon.
package store

import (
	"github.com/shardcore/dbreplica/clog"
)

// Contract is what §6 says the local document store exposes to this
// repository: transactional writes that land in the change-log index,
// a way to answer the Inbound Replication Handler's idempotent-apply
// and resume-point questions, and the current database change vector.
type Contract interface {
	clog.Index

	// Apply idempotently applies an entry received from sourceDatabaseID
	// over replication. Applying the same (sourceDatabaseID, e) pair
	// twice must be a no-op the second time (spec §4.6).
	Apply(sourceDatabaseID string, e clog.Entry) error

	// LastAcceptedEtagFrom reports the highest etag already applied from
	// sourceDatabaseID, so a reconnecting sender can resume without
	// replaying already-durable entries.
	LastAcceptedEtagFrom(sourceDatabaseID string) uint64

	// ChangeVector is this node's current database change vector,
	// reported in every handshake and batch ack (spec §6.3).
	ChangeVector() string
}
