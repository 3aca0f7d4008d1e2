package repl_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardcore/dbreplica/bucket"
	"github.com/shardcore/dbreplica/clog"
	"github.com/shardcore/dbreplica/repl"
	"github.com/shardcore/dbreplica/transport"
)

func TestWorkerHandshakeAndStream(t *testing.T) {
	idx := clog.NewMemIndex(8)
	for i := 0; i < 5; i++ {
		if _, err := idx.Append(clog.Entry{Kind: clog.Document, Bucket: bucket.Of("doc", 8), ID: "doc", ChangeVector: "A:1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var server net.Conn
	dial := func(ctx context.Context, dest repl.Destination) (repl.Conn, error) {
		client, srv := net.Pipe()
		server = srv
		return client, nil
	}

	cfg := repl.WorkerConfig{
		BatchMaxItems:    2,
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		BatchAckTimeout:  time.Second,
		HeartbeatEvery:   50 * time.Millisecond,
	}
	self := repl.SelfInfo{NodeTag: "A", MachineName: "node-a", DatabaseID: "db-a", DatabaseName: "shop", URL: "tcp://a"}
	dest := repl.Destination{Kind: repl.Internal, NodeTag: "B", URL: "tcp://b", Database: "shop"}
	w := repl.NewWorker(dest, self, cfg, idx, dial, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 0) }()

	deadline := time.Now().Add(time.Second)
	for server == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if server == nil {
		t.Fatal("worker never dialed")
	}

	go fakeInboundPeer(t, server, 5)

	select {
	case ev := <-w.Acks():
		if ev.LastEtagAccepted != 0 {
			t.Fatalf("expected zero initial ack, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake ack")
	}

	// BatchMaxItems is 2, so the 5 entries go out as three batches and
	// each one posts its own ack event (2, 4, then 5).
	ackDeadline := time.After(time.Second)
	for final := uint64(0); final != 5; {
		select {
		case ev := <-w.Acks():
			if ev.LastEtagAccepted < final {
				t.Fatalf("ack went backwards from %d to %d", final, ev.LastEtagAccepted)
			}
			final = ev.LastEtagAccepted
		case <-ackDeadline:
			t.Fatalf("timed out waiting for the ack of last etag 5, last seen %d", final)
		}
	}

	cancel()
	<-done
}

func TestWorkerRunAsHubStreamsWithoutDialing(t *testing.T) {
	idx := clog.NewMemIndex(8)
	for i := 0; i < 3; i++ {
		if _, err := idx.Append(clog.Entry{Kind: clog.Document, Bucket: bucket.Of("doc", 8), ID: "doc", ChangeVector: "A:1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	client, server := net.Pipe()
	defer client.Close()

	cfg := repl.WorkerConfig{BatchMaxItems: 10, HeartbeatEvery: 50 * time.Millisecond}
	self := repl.SelfInfo{NodeTag: "A", DatabaseName: "shop"}
	dest := repl.Destination{Kind: repl.ExternalSink, URL: "tcp://sink", Database: "shop"}
	w := repl.NewWorker(dest, self, cfg, idx, nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.RunAsHub(ctx, server, 0) }()

	var accept transport.ReplicationMessageReply
	if err := transport.ReadJSON(client, &accept); err != nil {
		t.Fatalf("read accept: %v", err)
	}
	if accept.Type != transport.ReplyOk {
		t.Fatalf("expected accept, got %+v", accept)
	}
	<-w.Acks() // the initial ack posted right after the accept is written

	var batch transport.BatchMessage
	if err := transport.ReadJSON(client, &batch); err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if len(batch.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(batch.Items))
	}
	transport.WriteJSON(client, transport.ReplicationMessageReply{Type: transport.ReplyOk, LastEtagAccepted: batch.LastEtagInBatch})

	select {
	case ev := <-w.Acks():
		if ev.LastEtagAccepted != batch.LastEtagInBatch {
			t.Fatalf("expected ack for %d, got %+v", batch.LastEtagInBatch, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch ack")
	}

	cancel()
	client.Close()
	<-done
}

// fakeInboundPeer plays the Inbound Replication Handler's role just far
// enough for the Worker-side assertions above: accept the handshake,
// then drain and ack batches (and tolerate heartbeats) until
// wantFinalEtag has been acked once.
func fakeInboundPeer(t *testing.T, conn net.Conn, wantFinalEtag uint64) {
	t.Helper()
	var hdr transport.TcpConnectionHeader
	if err := transport.ReadJSON(conn, &hdr); err != nil {
		return
	}
	var req transport.ReplicationLatestEtagRequest
	if err := transport.ReadJSON(conn, &req); err != nil {
		return
	}
	transport.WriteJSON(conn, transport.ReplicationMessageReply{
		Type: transport.ReplyOk, MessageType: transport.MessageBatch,
		LastEtagAccepted: 0, NodeTag: "B", DatabaseChangeVector: "B:0",
	})

	last := uint64(0)
	for last < wantFinalEtag {
		var batch transport.BatchMessage
		if err := transport.ReadJSON(conn, &batch); err != nil {
			return
		}
		msgType := transport.MessageBatch
		if len(batch.Items) == 0 {
			msgType = transport.MessageHeartbeat
		} else {
			last = batch.LastEtagInBatch
		}
		transport.WriteJSON(conn, transport.ReplicationMessageReply{
			Type: transport.ReplyOk, MessageType: msgType,
			LastEtagAccepted: last, NodeTag: "B",
		})
	}
}
