// Command replicad is the standalone daemon wiring every package in
// this repository into one running node: the Cluster State View, the
// Replication Loader, the Subscription Supervisor, and the metrics and
// HTTP endpoints that expose them. Grounded on the teacher's
// `ais/daemon.go` - flag parsing into a daemonCtx, a rungroup of
// cos.Runners, glog-based logging - scaled down from aistore's
// proxy/target role split to this engine's single node role.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardcore/dbreplica/cluster"
	"github.com/shardcore/dbreplica/cmn"
	"github.com/shardcore/dbreplica/consensus"
	"github.com/shardcore/dbreplica/consensus/raftlog"
	"github.com/shardcore/dbreplica/repl"
	"github.com/shardcore/dbreplica/stats"
	"github.com/shardcore/dbreplica/store"
	"github.com/shardcore/dbreplica/sub"
	"github.com/shardcore/dbreplica/transport"
)

type cliFlags struct {
	nodeTag      string
	machineName  string
	databaseID   string
	databaseName string
	selfURL      string

	replicationAddr  string
	subscriptionAddr string
	metricsAddr      string

	raftEnabled   bool
	raftBindAddr  string
	raftDataDir   string
	raftBootstrap bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.nodeTag, "node-tag", "A", "this node's short tag, carried in every handshake")
	flag.StringVar(&f.machineName, "machine-name", hostnameOrUnknown(), "this node's machine name")
	flag.StringVar(&f.databaseID, "database-id", "", "this node's database id (required)")
	flag.StringVar(&f.databaseName, "database-name", "", "the database this node serves (required)")
	flag.StringVar(&f.selfURL, "self-url", "", "this node's externally reachable URL")
	flag.StringVar(&f.replicationAddr, "replication-addr", ":9701", "replication listener address")
	flag.StringVar(&f.subscriptionAddr, "subscription-addr", ":9702", "subscription listener address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9703", "Prometheus /metrics listener address")
	flag.BoolVar(&f.raftEnabled, "raft", false, "persist cluster and subscription state through a real Raft group instead of the in-memory reference log")
	flag.StringVar(&f.raftBindAddr, "raft-addr", ":9704", "raft transport bind address")
	flag.StringVar(&f.raftDataDir, "raft-data-dir", "", "raft log/snapshot/fsm data directory")
	flag.BoolVar(&f.raftBootstrap, "raft-bootstrap", false, "bootstrap a single-node raft cluster on first start")
	flag.Parse()
	return f
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func main() {
	flags := parseFlags()
	if flags.databaseID == "" || flags.databaseName == "" {
		glog.Fatal("replicad: -database-id and -database-name are required")
	}
	cmn.InitShortID(uint64(time.Now().UnixNano()))

	self := repl.SelfInfo{
		NodeTag: flags.nodeTag, MachineName: flags.machineName,
		DatabaseID: flags.databaseID, DatabaseName: flags.databaseName, URL: flags.selfURL,
	}

	var log consensus.Log
	if flags.raftEnabled {
		dataDir := flags.raftDataDir
		if dataDir == "" {
			dataDir = fmt.Sprintf("/tmp/replicad-raft-%s", flags.nodeTag)
		}
		rl, err := raftlog.Open(raftlog.Config{
			NodeID: flags.nodeTag, BindAddr: flags.raftBindAddr, DataDir: dataDir, Bootstrap: flags.raftBootstrap,
		})
		if err != nil {
			glog.Fatalf("replicad: open raft log: %v", err)
		}
		defer rl.Close()
		log = rl
	} else {
		log = consensus.NewMemLog()
	}

	conf := cmn.GCO.Get()
	docStore := store.NewMemStore(conf.Bucket.Count, flags.nodeTag)
	owner := cluster.NewAtomicOwner(initialView(log, flags.databaseName, flags.nodeTag, flags.selfURL))

	dial := func(ctx context.Context, dest repl.Destination) (repl.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", trimScheme(dest.URL))
	}
	workerCfg := repl.WorkerConfig{
		BatchMaxItems:    conf.Replication.BatchMaxItems,
		ConnectTimeout:   conf.Timeout.ConnectTimeout.D(),
		HandshakeTimeout: conf.Timeout.HandshakeTimeout.D(),
		BatchAckTimeout:  conf.Timeout.BatchAckTimeout.D(),
		HeartbeatEvery:   conf.Net.MinHeartbeatInterval.D(),
		ReconnectSeed:    conf.Replication.InitialRetryTimeout.D(),
		ReconnectCap:     conf.Replication.MaxRetryTimeoutCap.D(),
	}
	loader := repl.NewLoader(self, owner, docStore, docStore, dial, workerCfg, conf.Replication.RejectionRingSize)

	subStore := sub.NewStore(log, flags.databaseName)
	supervisor := sub.NewSupervisor()

	promReg := prometheus.NewRegistry()
	metrics := stats.NewRegistry(promReg)
	loader.Metrics = metrics

	ctx, cancel := context.WithCancel(context.Background())
	rg := newRunGroup()
	rg.add(newTCPServer("replication-listener", flags.replicationAddr, func(ctx context.Context, conn net.Conn) {
		if err := loader.HandleIncoming(ctx, conn); err != nil {
			glog.Warningf("replicad: replication connection from %s: %v", conn.RemoteAddr(), err)
		}
	}))
	rg.add(newTCPServer("subscription-listener", flags.subscriptionAddr, func(ctx context.Context, conn net.Conn) {
		handleSubscriptionConn(ctx, conn, self, owner, docStore, subStore, supervisor, metrics)
	}))
	rg.add(newHTTPServer("metrics-server", flags.metricsAddr, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	rg.add(newReconcileLoop(loader))

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		glog.Info("replicad: shutdown signal received")
		cancel()
	}()

	if err := rg.run(ctx); err != nil {
		glog.Errorf("replicad: exiting on error: %v", err)
		os.Exit(1)
	}
}

func initialView(log consensus.Log, database, nodeID, url string) *cluster.View {
	rec, idx, err := log.ReadRawDatabaseRecord(context.Background(), database)
	if err != nil {
		glog.Warningf("replicad: reading initial database record: %v", err)
	}
	self := &cluster.Member{NodeID: nodeID, NodeTag: nodeID, URL: url}
	if rec == nil {
		rec = &cluster.DatabaseRecord{Topology: &cluster.Topology{Members: cluster.MemberMap{nodeID: self}}}
	}
	return cluster.NewView(rec, idx, self)
}

func trimScheme(u string) string {
	for i := 0; i+2 < len(u); i++ {
		if u[i] == ':' && u[i+1] == '/' && u[i+2] == '/' {
			return u[i+3:]
		}
	}
	return u
}

// handleSubscriptionConn reads the operation header and open request
// itself (the subscription listener validates its own framing rather
// than reusing repl.Handler, since the two protocols diverge after the
// shared TcpConnectionHeader).
func handleSubscriptionConn(ctx context.Context, conn net.Conn, self repl.SelfInfo, owner cluster.Owner, source repl.ChangeSource, subStore *sub.Store, supervisor *sub.Supervisor, metrics *stats.Registry) {
	var hdr transport.TcpConnectionHeader
	if err := transport.ReadJSON(conn, &hdr); err != nil {
		return
	}
	if hdr.Operation != transport.OperationSubscription {
		glog.Warningf("replicad: unexpected operation %q on subscription listener", hdr.Operation)
		return
	}
	var req transport.SubscriptionOpenRequest
	if err := transport.ReadJSON(conn, &req); err != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := supervisor.Attempt(connCtx, req.SubscriptionName, req.WorkerID, req.Strategy, func(string) { cancel() }); err != nil {
		glog.Warningf("replicad: subscription %q rejected for %s: %v", req.SubscriptionName, req.WorkerID, err)
		return
	}
	defer supervisor.Release(req.SubscriptionName, req.WorkerID, req.Strategy == transport.StrategyConcurrent)

	c := &sub.Connection{
		Name: req.SubscriptionName, WorkerID: req.WorkerID, ShardID: 0,
		Self: self, View: owner, Source: source, Store: subStore, Supervisor: supervisor,
		MaxDocsPerBatch:        cmn.GCO.Get().Subscription.DefaultMaxDocsPerBatch,
		HeartbeatEvery:         cmn.GCO.Get().Subscription.HeartbeatInterval.D(),
		IgnoreSubscriberErrors: req.IgnoreSubscriberErrors,
		MaxErroneousPeriod:     time.Duration(req.MaxErroneousPeriod),
		Metrics:                metrics,
	}
	if metrics != nil {
		strategy := string(req.Strategy)
		metrics.SubscriptionConnections.WithLabelValues(strategy).Inc()
		defer metrics.SubscriptionConnections.WithLabelValues(strategy).Dec()
	}
	if err := c.Run(connCtx, conn, req); err != nil {
		glog.Warningf("replicad: subscription %q connection from %s on database %s ended: %v", req.SubscriptionName, req.WorkerID, self.DatabaseName, err)
	}
}
