// Package stats provides methods and functionality to register and
// track the replication and subscription engine's metrics, the way the
// teacher's own `stats` package registered counters and latencies for
// aistore's targets and proxies - adapted here onto
// github.com/prometheus/client_golang instead of hand-rolled counters,
// since this repository's daemon exposes a standard /metrics endpoint
// rather than a StatsD sink.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Naming Convention (kept from the teacher's aistore stats package):
//  -> "*_total" - counter
//  -> "*_seconds" - latency
//  -> "*_bytes" - size
//  -> "*_in_flight" - gauge

// Registry bundles every metric this engine emits, registered once at
// daemon startup and handed to each package that needs to record
// against it, instead of a global registry every package reaches into
// directly.
type Registry struct {
	ReplicationBatchesSent   *prometheus.CounterVec
	ReplicationItemsSent     *prometheus.CounterVec
	ReplicationBatchLatency  *prometheus.HistogramVec
	ReplicationLagEtags      *prometheus.GaugeVec
	ReplicationWorkersActive *prometheus.GaugeVec
	ReplicationReconnects    *prometheus.CounterVec
	ReplicationRejections    *prometheus.CounterVec

	SubscriptionAcksTotal     *prometheus.CounterVec
	SubscriptionAckLatency    *prometheus.HistogramVec
	SubscriptionFailures      *prometheus.CounterVec
	SubscriptionConnections   *prometheus.GaugeVec
}

// NewRegistry constructs and registers every metric against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps tests free of cross-test metric collisions.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ReplicationBatchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "batches_sent_total",
			Help: "Number of replication batches sent per destination.",
		}, []string{"destination"}),
		ReplicationItemsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "items_sent_total",
			Help: "Number of change log entries sent per destination.",
		}, []string{"destination"}),
		ReplicationBatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "batch_ack_seconds",
			Help:    "Time from sending a batch to receiving its ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination"}),
		ReplicationLagEtags: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "lag_etags",
			Help: "Etags not yet acknowledged by a destination.",
		}, []string{"destination"}),
		ReplicationWorkersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "workers_in_flight",
			Help: "Outbound replication workers currently held by the worker pool.",
		}, []string{"kind"}),
		ReplicationReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "reconnects_total",
			Help: "Outbound worker reconnect attempts per destination.",
		}, []string{"destination"}),
		ReplicationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbreplica", Subsystem: "replication", Name: "inbound_rejections_total",
			Help: "Inbound replication connections rejected per reason.",
		}, []string{"reason"}),

		SubscriptionAcksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbreplica", Subsystem: "subscription", Name: "acks_total",
			Help: "Subscription batches acknowledged per subscription.",
		}, []string{"subscription"}),
		SubscriptionAckLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbreplica", Subsystem: "subscription", Name: "ack_seconds",
			Help:    "Time from sending a subscription batch to its ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subscription"}),
		SubscriptionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbreplica", Subsystem: "subscription", Name: "failures_total",
			Help: "Consecutive-failure events recorded per subscription.",
		}, []string{"subscription"}),
		SubscriptionConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dbreplica", Subsystem: "subscription", Name: "connections",
			Help: "Currently open subscription connections per strategy.",
		}, []string{"strategy"}),
	}

	for _, c := range []prometheus.Collector{
		r.ReplicationBatchesSent, r.ReplicationItemsSent, r.ReplicationBatchLatency,
		r.ReplicationLagEtags, r.ReplicationWorkersActive, r.ReplicationReconnects, r.ReplicationRejections,
		r.SubscriptionAcksTotal, r.SubscriptionAckLatency, r.SubscriptionFailures, r.SubscriptionConnections,
	} {
		reg.MustRegister(c)
	}
	return r
}
