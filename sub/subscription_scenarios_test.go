package sub_test

// End-to-end coverage of spec.md §8's seed scenarios, driven over the
// in-memory store/consensus stand-ins exactly as the production
// cmd/replicad daemon wires them together. Scenarios 1 (basic delivery),
// 2 (admin cursor jump), 5 (delete while consuming), and 6 (bucket-scoped
// scan resume) are exercised by TestConnectionStreamsAndPersistsResumePoint,
// TestConnectionReCheckAdminCursorOverwriteMidStream,
// TestConnectionUnwindsOnDatabaseDeletion in connection_test.go, and
// clog's own bucket-scan tests, respectively. This file covers the
// remaining two, which need either a failing handler (3) or two
// cooperating worker connections (4).

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardcore/dbreplica/bucket"
	"github.com/shardcore/dbreplica/clog"
	"github.com/shardcore/dbreplica/consensus"
	"github.com/shardcore/dbreplica/store"
	"github.com/shardcore/dbreplica/sub"
	"github.com/shardcore/dbreplica/transport"
)

// TestScenarioFailingHandlerAdvancesCursor exercises spec §8 scenario 3:
// a handler that always errors must still advance the persisted cursor,
// one document at a time, when the worker opted into
// ignore_subscriber_errors.
func TestScenarioFailingHandlerAdvancesCursor(t *testing.T) {
	ms := store.NewMemStore(8, "A")
	var lastEtag uint64
	for i := 0; i < 50; i++ {
		etag, err := ms.Append(clog.Entry{Kind: clog.Document, Bucket: bucket.Of("company/x", 8), ID: "company/x", ChangeVector: "A:1"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		lastEtag = etag
	}

	log := consensus.NewMemLog()
	st := sub.NewStore(log, "shop")

	c := &sub.Connection{
		Name: "companies", WorkerID: "w1", ShardID: 0,
		View: unshardedOwner(), Source: ms, Store: st,
		MaxDocsPerBatch: 1, HeartbeatEvery: 50 * time.Millisecond,
		IgnoreSubscriberErrors: true,
	}

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, server, transport.SubscriptionOpenRequest{
			SubscriptionName: "companies", Strategy: transport.StrategyOpenIfFree, WorkerID: "w1",
			IgnoreSubscriberErrors: true,
		})
	}()

	var openAck transport.SubscriptionAckMessage
	if err := transport.ReadJSON(client, &openAck); err != nil {
		t.Fatalf("read open ack: %v", err)
	}

	for i := 0; i < 50; i++ {
		var batch transport.SubscriptionBatchMessage
		if err := transport.ReadJSON(client, &batch); err != nil {
			t.Fatalf("read batch %d: %v", i, err)
		}
		if len(batch.Items) != 1 {
			t.Fatalf("batch %d: expected exactly 1 item, got %d", i, len(batch.Items))
		}
		if err := transport.WriteJSON(client, transport.SubscriptionAckMessage{
			AckedEtag: batch.LastEtagInBatch, Error: "handler always throws",
		}); err != nil {
			t.Fatalf("ack batch %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		saved, err := st.Load(context.Background(), "companies")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if saved.LastProcessedEtag == lastEtag {
			break
		}
		if saved.Disabled {
			t.Fatalf("subscription was disabled even though errors are ignored: %+v", saved)
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor never reached the 50th document's etag %d, last seen %+v", lastEtag, saved)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection did not exit after cancel")
	}
}

// TestScenarioTakeOverAndWaitForFree exercises spec §8 scenario 4: W1
// opens WaitForFree and acks one document; W2 opens WaitForFree and
// blocks behind W1. Dropping W1 externally must free the slot for W2,
// which then processes a second document; dropping W2 in turn must let
// both connection futures complete without hanging.
func TestScenarioTakeOverAndWaitForFree(t *testing.T) {
	ms := store.NewMemStore(8, "A")
	if _, err := ms.Append(clog.Entry{Kind: clog.Document, Bucket: bucket.Of("user/1", 8), ID: "user/1", ChangeVector: "A:1"}); err != nil {
		t.Fatalf("append first: %v", err)
	}

	log := consensus.NewMemLog()
	st := sub.NewStore(log, "shop")
	supervisor := sub.NewSupervisor()

	runWorker := func(workerID string) (net.Conn, chan error, context.CancelFunc) {
		c := &sub.Connection{
			Name: "users", WorkerID: workerID, ShardID: 0,
			View: unshardedOwner(), Source: ms, Store: st, Supervisor: supervisor,
			MaxDocsPerBatch: 10, HeartbeatEvery: 20 * time.Millisecond,
		}
		client, server := net.Pipe()
		connCtx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			if err := supervisor.Attempt(connCtx, "users", workerID, transport.StrategyWaitForFree, func(string) { cancel() }); err != nil {
				done <- err
				return
			}
			defer supervisor.Release("users", workerID, false)
			done <- c.Run(connCtx, server, transport.SubscriptionOpenRequest{
				SubscriptionName: "users", Strategy: transport.StrategyWaitForFree, WorkerID: workerID,
			})
		}()
		return client, done, cancel
	}

	w1Client, w1Done, w1Cancel := runWorker("w1")

	var w1Ack transport.SubscriptionAckMessage
	if err := transport.ReadJSON(w1Client, &w1Ack); err != nil {
		t.Fatalf("w1 open ack: %v", err)
	}
	var w1Batch transport.SubscriptionBatchMessage
	if err := transport.ReadJSON(w1Client, &w1Batch); err != nil {
		t.Fatalf("w1 batch: %v", err)
	}
	if err := transport.WriteJSON(w1Client, transport.SubscriptionAckMessage{AckedEtag: w1Batch.LastEtagInBatch}); err != nil {
		t.Fatalf("w1 ack: %v", err)
	}

	w2Client, w2Done, w2Cancel := runWorker("w2")

	// W2 is blocked behind W1's exclusive hold; dropping W1 externally
	// must free the slot.
	select {
	case <-w2Done:
		t.Fatal("w2 should still be waiting for the slot")
	case <-time.After(50 * time.Millisecond):
	}

	w1Cancel()
	w1Client.Close()
	select {
	case <-w1Done:
	case <-time.After(time.Second):
		t.Fatal("w1 never unwound after being dropped")
	}

	if _, err := ms.Append(clog.Entry{Kind: clog.Document, Bucket: bucket.Of("user/2", 8), ID: "user/2", ChangeVector: "A:2"}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	var w2Ack transport.SubscriptionAckMessage
	if err := transport.ReadJSON(w2Client, &w2Ack); err != nil {
		t.Fatalf("w2 open ack: %v", err)
	}
	var w2Batch transport.SubscriptionBatchMessage
	if err := transport.ReadJSON(w2Client, &w2Batch); err != nil {
		t.Fatalf("w2 batch: %v", err)
	}
	found := false
	for _, item := range w2Batch.Items {
		if item.ID == "user/2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("w2 never observed the second document, got %+v", w2Batch)
	}
	if err := transport.WriteJSON(w2Client, transport.SubscriptionAckMessage{AckedEtag: w2Batch.LastEtagInBatch}); err != nil {
		t.Fatalf("w2 ack: %v", err)
	}

	w2Cancel()
	w2Client.Close()
	select {
	case <-w2Done:
	case <-time.After(time.Second):
		t.Fatal("w2 never unwound after being dropped")
	}
}
