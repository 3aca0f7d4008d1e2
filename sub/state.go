// Package sub implements the Subscription subsystem of spec.md §4.8:
// the Subscription Store (H, consensus-persisted state), the
// Subscription Connection (I, one worker's streaming session), and the
// Subscription Supervisor (J, exclusivity and failover across
// OpenIfFree/WaitForFree/TakeOver/Concurrent strategies). Grounded on
// the teacher's `reb` package's stage/ownership bookkeeping, generalized
// from rebalance ownership to subscription-slot ownership.
package sub

import "time"

// State is the Subscription State spec §4.8 persists through the
// consensus log: the durable resume point and the bookkeeping needed to
// resolve OpenIfFree/WaitForFree/TakeOver contention without losing
// track of how far a worker has actually gotten.
type State struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy,omitempty"` // last strategy a worker connected with
	Disabled bool   `json:"disabled"`

	// LastProcessedEtag is the resume point: the Connection streams
	// entries with etag strictly greater than this.
	LastProcessedEtag uint64 `json:"last_processed_etag"`

	// MentorNode is the node a worker should connect to absent a
	// failover, mirroring cluster.DatabaseRecord.TaskMentors for
	// external replication tasks (spec §4.3).
	MentorNode string `json:"mentor_node,omitempty"`

	ConnectedWorkerID       string    `json:"connected_worker_id,omitempty"`
	LastClientConnectionTime time.Time `json:"last_client_connection_time,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// maxConsecutiveFailures is the threshold spec §4.8's failure-counting
// rule auto-disables a subscription at, so one permanently broken
// client filter can't spin a worker forever.
const maxConsecutiveFailures = 10
