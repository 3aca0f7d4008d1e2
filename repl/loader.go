// Package repl implements the Replication Loader subsystem of spec.md
// §4.4-§4.7: the Connection Shutdown Tracker (D), the Outbound
// Replication Worker (E), the Inbound Replication Handler (F), and the
// supervising Replication Loader (G) itself. Grounded on the teacher's
// `ec.Manager` (a central owner of per-destination worker state guarded
// by a RWMutex, with bundles started/stopped as membership changes) and
// `reb/ec.go`'s multi-stage, retry-aware streaming loop.
package repl

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shardcore/dbreplica/cluster"
	"github.com/shardcore/dbreplica/cmn"
	"github.com/shardcore/dbreplica/stats"
	"github.com/shardcore/dbreplica/transport"
)

// Loader is the Replication Loader of spec §4.4: it reconciles the
// desired destination set from the current cluster.View on every
// membership or database-record change, starts and stops Outbound
// Workers to match, and answers incoming connections via a Handler
// built from the same Store and ancestor chain.
type Loader struct {
	self   SelfInfo
	owner  cluster.Owner
	source ChangeSource
	store  Store
	dial   Dialer
	cfg    WorkerConfig

	pool       *Pool
	rejections *RejectionLog
	incoming   *IncomingRegistry

	// anyDisabled is true whenever the current desired destination set
	// declares at least one disabled-but-not-removed destination (spec
	// §4.7: a disabled destination still counts against the tombstone
	// watermark, it just never gets a running Worker). Read by
	// MinimalEtagForReplication, written only by Reconcile.
	anyDisabled atomic.Bool

	mu        sync.Mutex
	ancestors []string // this node's own inbound sink sources, for cycle detection

	// Metrics is optional; nil leaves recording a no-op.
	Metrics *stats.Registry
}

func NewLoader(self SelfInfo, owner cluster.Owner, source ChangeSource, store Store, dial Dialer, cfg WorkerConfig, rejectionRingSize int) *Loader {
	return &Loader{
		self:       self,
		owner:      owner,
		source:     source,
		store:      store,
		dial:       dial,
		cfg:        cfg,
		pool:       NewPool(),
		rejections: NewRejectionLog(rejectionRingSize),
		incoming:   NewIncomingRegistry(),
	}
}

// Reconcile implements spec §4.4's handle_database_record_change steps
// 1-6: compute the desired destination set from the current View,
// start a Worker for each new one, and stop the Worker for each one no
// longer desired. It is idempotent and safe to call on every topology
// or database-record change notification.
func (l *Loader) Reconcile(ctx context.Context) {
	view := l.owner.Get()
	if view.IsPassive() {
		for key := range l.pool.Keys() {
			if w := l.pool.Get(key); w != nil {
				l.pool.Remove(w.Dest)
			}
		}
		return
	}

	desired := l.desiredDestinations(view)

	anyDisabled := false
	existing := l.pool.Keys()
	for _, dest := range desired {
		if dest.Disabled {
			// Declared but disabled: counted toward anyDisabled so
			// MinimalEtagForReplication never tombstones past it, but it
			// gets no running Worker until it is re-enabled; one already
			// running stays in existing and is stopped below.
			anyDisabled = true
			continue
		}
		if _, ok := existing[dest.Key()]; ok {
			delete(existing, dest.Key())
			continue
		}
		dest := dest
		l.pool.Ensure(dest, func() *Worker {
			w := NewWorker(dest, l.self, l.cfg, l.source, l.dial, 16)
			w.Metrics = l.Metrics
			return w
		}, l.runWorker)
	}
	l.anyDisabled.Store(anyDisabled)

	// Whatever remains in existing was not in the freshly computed
	// desired set, or is now disabled: the peer left the topology, the
	// task moved to another mentor, or the external connection string
	// was removed or disabled.
	removedInternalTags := make(map[string]struct{})
	for key := range existing {
		w := l.pool.Get(key)
		if w == nil {
			continue
		}
		if w.Dest.Kind == Internal {
			removedInternalTags[w.Dest.NodeTag] = struct{}{}
		}
		l.pool.Remove(w.Dest)
	}
	if len(removedInternalTags) > 0 {
		l.incoming.DropByNodeTag(removedInternalTags)
	}

	if l.Metrics != nil {
		l.Metrics.ReplicationWorkersActive.WithLabelValues("all").Set(float64(len(l.pool.Keys())))
	}
}

// desiredDestinations is step 2 of spec §4.4's reconciler: every other
// topology member (internal replication always runs database-wide),
// plus every external sink/regular connection this node currently owns
// per WhoseTaskIsIt - tasks not owned here simply produce no Worker.
func (l *Loader) desiredDestinations(view *cluster.View) []Destination {
	var out []Destination
	for _, m := range view.InternalDestinations() {
		out = append(out, Destination{
			Kind:     Internal,
			NodeTag:  m.NodeTag,
			URL:      m.URL,
			Database: l.self.DatabaseName,
		})
	}
	epoch := view.CommitIndex()
	for _, ext := range view.ExternalSinks() {
		if !view.IsMyTask(ext.TaskID, epoch) {
			continue
		}
		out = append(out, Destination{
			Kind: ExternalSink, URL: ext.ConnStr, TaskID: ext.TaskID,
			HubName: ext.HubName, Cert: ext.Cert, Disabled: ext.Disabled,
			DelayReplicationFor: ext.DelayReplicationFor,
		})
	}
	for _, ext := range view.ExternalRegular() {
		if !view.IsMyTask(ext.TaskID, epoch) {
			continue
		}
		out = append(out, Destination{
			Kind: ExternalRegular, URL: ext.ConnStr, TaskID: ext.TaskID,
			Cert: ext.Cert, Disabled: ext.Disabled,
			DelayReplicationFor: ext.DelayReplicationFor,
		})
	}
	return out
}

// runWorker is the reconnect loop around one Worker: run until it
// fails, then wait out its ShutdownInfo-scheduled backoff before
// retrying, until ctx is cancelled by Loader.Reconcile removing this
// destination from the pool. Because Pool.Ensure only ever starts one
// such goroutine per destination key, retries are inherently
// serialized without any extra compare-and-swap bookkeeping.
func (l *Loader) runWorker(ctx context.Context, w *Worker) {
	startEtag := w.LastAcceptedEtag()
	for {
		err := w.Run(ctx, startEtag)
		startEtag = w.LastAcceptedEtag()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		wait := time.Until(w.NextRetryAt())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// MinimalEtagForReplication implements spec §4.7's
// get_minimal_etag_for_replication: the tombstone cleaner must never
// evict a tombstone below the slowest destination's last-accepted
// etag, or that destination would never learn of the deletion. If any
// declared destination is disabled, no tombstone may be collected at
// all regardless of what the running Workers report, since a disabled
// destination tracks no progress and would never see the deletion once
// re-enabled.
func (l *Loader) MinimalEtagForReplication() uint64 {
	if l.anyDisabled.Load() {
		return 0
	}
	min := ^uint64(0)
	found := false
	for key := range l.pool.Keys() {
		w := l.pool.Get(key)
		if w == nil {
			continue
		}
		if e := w.LastAcceptedEtag(); !found || e < min {
			min, found = e, true
		}
	}
	if !found {
		return 0
	}
	return min
}

// HandleIncoming wires one accepted connection into a fresh Handler
// sharing this Loader's Store, ancestor chain, and rejection log (spec
// §4.6/§4.4 admission invariants), or - if the peer identifies itself as
// a pull-replication sink - into a Worker serving it as the hub (spec
// §4.5).
func (l *Loader) HandleIncoming(ctx context.Context, conn Conn) error {
	var hdr transport.TcpConnectionHeader
	if err := transport.ReadJSON(conn, &hdr); err != nil {
		return cmn.NewTransportErr(err, "read connection header")
	}
	if hdr.Operation == transport.OperationReplicationPull {
		return l.handleIncomingPull(ctx, conn, hdr)
	}
	h := &Handler{
		Self:       l.self,
		Store:      l.store,
		Ancestors:  l.Ancestors,
		Rejections: l.rejections,
		Incoming:   l.incoming,
		Metrics:    l.Metrics,
	}
	return h.handle(ctx, conn, hdr)
}

// handleIncomingPull implements the hub side of spec §4.5's
// pull-replication path: the peer that dialed us becomes the sink, and a
// Worker sourced from this node's own ChangeSource streams to it exactly
// as if this node had dialed out. It lives and dies with this one
// accepted connection rather than the reconciler's managed Pool - a pull
// sink that drops is expected to redial and re-pull on its own, the same
// way a subscription worker redials the subscription listener.
func (l *Loader) handleIncomingPull(ctx context.Context, conn Conn, hdr transport.TcpConnectionHeader) error {
	var req transport.ReplicationPullRequest
	if err := transport.ReadJSON(conn, &req); err != nil {
		return cmn.NewTransportErr(err, "read pull-replication request")
	}
	dest := Destination{Kind: ExternalSink, URL: req.SinkURL, Database: hdr.Database, HubName: l.self.NodeTag}
	w := NewWorker(dest, l.self, l.cfg, l.source, nil, 0)
	w.Metrics = l.Metrics
	return w.RunAsHub(ctx, conn, req.LastProcessedEtag)
}

// Ancestors returns the connection strings of every sink this node is
// itself currently replicating from, for DetectCycle to consult.
func (l *Loader) Ancestors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ancestors))
	copy(out, l.ancestors)
	return out
}

// SetAncestors replaces the tracked ancestor chain. Nothing in this
// repository calls it, so the chain stays empty unless a caller sets it.
func (l *Loader) SetAncestors(chain []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ancestors = append(l.ancestors[:0], chain...)
}

func (l *Loader) Rejections() []Rejection { return l.rejections.Snapshot() }
