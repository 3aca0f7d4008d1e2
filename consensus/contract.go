// Package consensus defines the external consensus-log collaborator of
// spec.md §6: the single source of truth for database records and
// subscription state, replicated and committed outside this repository
// by whatever Raft (or similar) group backs a cluster. Two
// implementations live here: MemLog, an in-process stand-in for tests
// and the standalone daemon, and raftlog.Log, a reference wiring of
// `github.com/hashicorp/raft`.
package consensus

import (
	"context"

	"github.com/shardcore/dbreplica/cluster"
)

// CommandKind tags the mutation a Command applies to the replicated
// state machine.
type CommandKind string

const (
	CommandUpdateDatabaseRecord    CommandKind = "UpdateDatabaseRecord"
	CommandPutSubscriptionState    CommandKind = "PutSubscriptionState"
	CommandDeleteSubscriptionState CommandKind = "DeleteSubscriptionState"
)

// Command is one entry appended to the consensus log. SubscriptionState
// is carried pre-encoded (JSON) rather than typed, so this package
// never has to import the sub package that defines it.
type Command struct {
	Kind             CommandKind
	Database         string
	Record           *cluster.DatabaseRecord
	SubscriptionName string
	SubscriptionState []byte
}

// Log is the contract spec §6 calls the external consensus log: every
// node reads from it to build its cluster.View and subscription state,
// and appends to it to propose a change - the append only becomes
// visible to readers once WaitForIndexNotification confirms the index
// committed.
type Log interface {
	// ReadRawDatabaseRecord returns the latest committed DatabaseRecord
	// for database and the log index it was current as of.
	ReadRawDatabaseRecord(ctx context.Context, database string) (*cluster.DatabaseRecord, int64, error)

	// ReadSubscriptionState returns the latest committed, JSON-encoded
	// SubscriptionState for (database, name), or ok=false if none
	// exists.
	ReadSubscriptionState(ctx context.Context, database, name string) (state []byte, index int64, ok bool, err error)

	// AppendCommand proposes cmd and returns the log index it was
	// assigned. The command is not guaranteed visible to readers until
	// WaitForIndexNotification(ctx, index) returns nil.
	AppendCommand(ctx context.Context, cmd Command) (index int64, err error)

	// WaitForIndexNotification blocks until this node's state machine
	// has applied index, or ctx is done.
	WaitForIndexNotification(ctx context.Context, index int64) error
}
