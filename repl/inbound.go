package repl

import (
	"context"
	"fmt"
	"io"

	"github.com/shardcore/dbreplica/clog"
	"github.com/shardcore/dbreplica/cmn"
	"github.com/shardcore/dbreplica/stats"
	"github.com/shardcore/dbreplica/transport"
)

// Store is the local document store's replication-facing contract (spec
// §6): apply an incoming entry idempotently and report how far a given
// source has already progressed, so a reconnecting sender resumes
// exactly where it left off rather than replaying from zero.
type Store interface {
	Apply(sourceDatabaseID string, e clog.Entry) error
	LastAcceptedEtagFrom(sourceDatabaseID string) uint64
	ChangeVector() string
}

// Handler is the Inbound Replication Handler of spec §4.6: negotiates
// one incoming connection, then loops applying batches until the peer
// disconnects or sends something invalid. Grounded on the teacher's
// `reb/ec.go` receive side and `transport`'s handler-per-stream model.
type Handler struct {
	Self       SelfInfo
	Store      Store
	Ancestors  func() []string // this node's own inbound sink chain, for cycle detection
	Rejections *RejectionLog
	Incoming   *IncomingRegistry // nil disables the one-inbound-per-source admission check
	Metrics    *stats.Registry
}

// Handle drives one accepted connection end to end. It returns nil only
// when the peer closes cleanly; any protocol violation or rejected
// admission check is returned as a *cmn.TypedError.
func (h *Handler) Handle(ctx context.Context, conn Conn) error {
	var hdr transport.TcpConnectionHeader
	if err := transport.ReadJSON(conn, &hdr); err != nil {
		return cmn.NewTransportErr(err, "read connection header")
	}
	return h.handle(ctx, conn, hdr)
}

// handle is Handle's body given an already-read header, split out so
// Loader.HandleIncoming can peek the header itself and route pull-replication
// connections to Worker.RunAsHub instead.
func (h *Handler) handle(ctx context.Context, conn Conn, hdr transport.TcpConnectionHeader) error {
	if hdr.Operation != transport.OperationReplication {
		return h.reject(conn, "", "protocol", fmt.Sprintf("unexpected operation %q on replication listener", hdr.Operation))
	}
	if hdr.ProtocolVersion != transport.ProtocolVersion {
		return h.reject(conn, "", "protocol", fmt.Sprintf("protocol version mismatch: got %d want %d", hdr.ProtocolVersion, transport.ProtocolVersion))
	}

	var req transport.ReplicationLatestEtagRequest
	if err := transport.ReadJSON(conn, &req); err != nil {
		return cmn.NewTransportErr(err, "read latest etag request")
	}

	if reason, category, ok := h.admit(req); !ok {
		return h.reject(conn, req.SourceDatabaseID, category, reason)
	}
	if h.Incoming != nil {
		if !h.Incoming.Admit(req.SourceDatabaseID, req.SourceNodeTag, func() { conn.Close() }) {
			return h.reject(conn, req.SourceDatabaseID, "duplicate-source",
				fmt.Sprintf("a live inbound connection from %s already exists", req.SourceDatabaseID))
		}
		defer h.Incoming.Remove(req.SourceDatabaseID)
	}

	lastAccepted := h.Store.LastAcceptedEtagFrom(req.SourceDatabaseID)
	accept := transport.ReplicationMessageReply{
		Type:                 transport.ReplyOk,
		MessageType:          transport.MessageBatch,
		LastEtagAccepted:     lastAccepted,
		NodeTag:              h.Self.NodeTag,
		DatabaseChangeVector: h.Store.ChangeVector(),
	}
	if err := transport.WriteJSON(conn, accept); err != nil {
		return cmn.NewTransportErr(err, "write handshake reply")
	}

	return h.receiveLoop(ctx, conn, req.SourceDatabaseID, lastAccepted)
}

// admit implements the admission invariants of spec §4.4: a node never
// accepts a replication stream that would feed its own writes back to
// itself, whether directly (self-replication) or through a chain of
// pull-replication sinks (a cycle).
func (h *Handler) admit(req transport.ReplicationLatestEtagRequest) (reason, category string, ok bool) {
	if req.SourceDatabaseID == h.Self.DatabaseID && req.SourceNodeTag == h.Self.NodeTag {
		return "refusing to replicate from self", "self-replication", false
	}
	if h.Ancestors != nil {
		if DetectCycle(req.SourceURL, h.Ancestors()) {
			return fmt.Sprintf("connection from %s would create a replication cycle", req.SourceURL), "cycle", false
		}
	}
	return "", "", true
}

func (h *Handler) reject(conn Conn, sourceDatabaseID, category, reason string) error {
	if h.Rejections != nil {
		h.Rejections.Add(sourceDatabaseID, reason)
	}
	if h.Metrics != nil {
		if category == "" {
			category = "protocol"
		}
		h.Metrics.ReplicationRejections.WithLabelValues(category).Inc()
	}
	reply := transport.ReplicationMessageReply{Type: transport.ReplyError, Error: reason}
	_ = transport.WriteJSON(conn, reply) // best-effort; the caller already has the typed error
	return cmn.NewProtocolErr("rejected incoming connection: %s", reason)
}

// receiveLoop applies each incoming batch and acks it, including the
// zero-item batches the Outbound Worker uses as heartbeats (spec §4.5).
func (h *Handler) receiveLoop(ctx context.Context, conn Conn, sourceDatabaseID string, lastAccepted uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg transport.BatchMessage
		if err := transport.ReadJSON(conn, &msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return cmn.NewTransportErr(err, "read batch")
		}
		if h.Incoming != nil {
			h.Incoming.Touch(sourceDatabaseID)
		}

		for _, e := range msg.Items {
			if err := h.Store.Apply(sourceDatabaseID, e); err != nil {
				reply := transport.ReplicationMessageReply{Type: transport.ReplyError, Error: err.Error()}
				_ = transport.WriteJSON(conn, reply)
				return cmn.NewSubscriberHandlerErr(err)
			}
		}
		if len(msg.Items) > 0 {
			lastAccepted = msg.LastEtagInBatch
		}

		reply := transport.ReplicationMessageReply{
			Type:                 transport.ReplyOk,
			MessageType:          transport.MessageBatch,
			LastEtagAccepted:     lastAccepted,
			NodeTag:              h.Self.NodeTag,
			DatabaseChangeVector: h.Store.ChangeVector(),
		}
		if len(msg.Items) == 0 {
			reply.MessageType = transport.MessageHeartbeat
		}
		if err := transport.WriteJSON(conn, reply); err != nil {
			return cmn.NewTransportErr(err, "write batch ack")
		}
	}
}
