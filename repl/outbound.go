package repl

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shardcore/dbreplica/clog"
	"github.com/shardcore/dbreplica/cmn"
	"github.com/shardcore/dbreplica/stats"
	"github.com/shardcore/dbreplica/transport"
)

// WorkerState is the Outbound Replication Worker's state machine (spec
// §4.5): NotStarted -> Connecting -> Negotiating -> Streaming <-> Idle
// -> Closed, with Reconnecting as the re-entry point to Connecting.
type WorkerState int32

const (
	NotStarted WorkerState = iota
	Connecting
	Negotiating
	Streaming
	Idle
	Reconnecting
	Closed
)

func (s WorkerState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Connecting:
		return "Connecting"
	case Negotiating:
		return "Negotiating"
	case Streaming:
		return "Streaming"
	case Idle:
		return "Idle"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Conn is the minimal transport a Worker needs, satisfied by a net.Conn
// or, in tests, by either end of a net.Pipe.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens the Conn for one destination. Injected so tests never
// touch a real socket.
type Dialer func(ctx context.Context, dest Destination) (Conn, error)

// ChangeSource is the full-database, kind-and-bucket-agnostic scan the
// Outbound Replication Worker streams from (spec §4.5: "read the change
// log from LastEtagAccepted + 1 in ascending etag"). *clog.MemIndex
// satisfies it via ScanAll.
type ChangeSource interface {
	ScanAll(ctx context.Context, fromEtagExclusive uint64) (clog.Cursor, error)
	ChangeNotification() <-chan struct{}
}

// AckEvent is posted by a Worker every time a batch (or the initial
// handshake) is acknowledged, so a Loader or test can observe progress
// without polling the Worker's internal state.
type AckEvent struct {
	Dest             Destination
	LastEtagAccepted uint64
	At               time.Time
}

// SelfInfo identifies this node in the handshake (spec §6.2).
type SelfInfo struct {
	NodeTag      string
	MachineName  string
	DatabaseID   string
	DatabaseName string
	URL          string
}

// WorkerConfig holds the Outbound Replication Worker's tunables,
// sourced from cmn.ReplicationConf/NetConf/TimeoutConf rather than
// hardcoded, so a Loader can wire in the live GCO config.
type WorkerConfig struct {
	BatchMaxItems    int
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	BatchAckTimeout  time.Duration
	HeartbeatEvery   time.Duration
	ReconnectSeed    time.Duration
	ReconnectCap     time.Duration
}

// Worker is the Outbound Replication Worker of spec §4.5: one goroutine
// per Destination, streaming the change log to it and reconnecting with
// exponential backoff on failure. Grounded on the teacher's
// `reb/ec.go` stage loop (connect, negotiate, stream, retry) and
// `ec/manager.go`'s per-target worker bookkeeping.
type Worker struct {
	Dest Destination
	Self SelfInfo
	cfg  WorkerConfig

	source   ChangeSource
	dial     Dialer
	shutdown *ShutdownInfo

	state   atomic.Int32
	lastAck atomic.Uint64

	acks chan AckEvent

	onDelayFiltered func(e clog.Entry) bool // returns true if e must be held back for now

	// Metrics is optional; nil leaves every recording call a no-op so
	// tests and ad hoc callers don't need a registry.
	Metrics *stats.Registry
}

// NewWorker constructs a Worker. acksBuf sizes the AckEvent channel;
// callers that don't care about acks may pass 0 and never receive
// (publishAck drops the event instead of blocking the streaming loop).
func NewWorker(dest Destination, self SelfInfo, cfg WorkerConfig, source ChangeSource, dial Dialer, acksBuf int) *Worker {
	return &Worker{
		Dest:     dest,
		Self:     self,
		cfg:      cfg,
		source:   source,
		dial:     dial,
		shutdown: NewShutdownInfo(dest.Key(), orDefault(cfg.ReconnectSeed, time.Second), orDefault(cfg.ReconnectCap, 5*time.Minute), 25),
		acks:     make(chan AckEvent, acksBuf),
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }
func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// Acks exposes the channel AckEvent is posted to.
func (w *Worker) Acks() <-chan AckEvent { return w.acks }

// LastAcceptedEtag is the last etag the peer has confirmed durable.
func (w *Worker) LastAcceptedEtag() uint64 { return w.lastAck.Load() }

// NextRetryAt is when ShutdownInfo says this Worker's next reconnect
// attempt is due, per its most recent OnError backoff computation.
func (w *Worker) NextRetryAt() time.Time { return w.shutdown.RetryOn() }

// Run drives one connection attempt through handshake and streaming
// until ctx is cancelled or an unrecoverable error occurs. The caller
// (the Loader's reconnect loop) is responsible for re-invoking Run
// after ShutdownInfo.ReadyToRetry, per spec §4.5's Reconnecting state.
func (w *Worker) Run(ctx context.Context, startEtag uint64) error {
	w.setState(Connecting)
	if w.Metrics != nil {
		w.Metrics.ReplicationReconnects.WithLabelValues(w.Dest.Key()).Inc()
	}
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	conn, err := w.dial(dialCtx, w.Dest)
	cancel()
	if err != nil {
		w.setState(Closed)
		wrapped := cmn.NewTransportErr(err, "dial %s", w.Dest)
		w.shutdown.OnError(wrapped)
		return wrapped
	}
	defer conn.Close()

	w.setState(Negotiating)
	lastAccepted, changeVector, err := w.negotiate(conn, startEtag)
	if err != nil {
		w.setState(Closed)
		w.shutdown.OnError(err)
		return err
	}
	w.lastAck.Store(lastAccepted)
	_ = changeVector
	w.shutdown.Reset()
	w.publishAck(lastAccepted)

	return w.stream(ctx, conn, lastAccepted)
}

// RunAsHub drives a pull-replication session (spec §4.5's hub path) over
// conn, already accepted and past the shared connection header: the peer
// dialed us and asked to be served as if it were outbound from us, so
// Worker streams to it exactly like a connection it dialed itself,
// skipping dial and the client side of negotiate.
func (w *Worker) RunAsHub(ctx context.Context, conn Conn, startEtag uint64) error {
	w.setState(Negotiating)
	if w.Metrics != nil {
		w.Metrics.ReplicationReconnects.WithLabelValues(w.Dest.Key()).Inc()
	}
	accept := transport.ReplicationMessageReply{
		Type:             transport.ReplyOk,
		MessageType:      transport.MessageBatch,
		LastEtagAccepted: startEtag,
		NodeTag:          w.Self.NodeTag,
	}
	if err := transport.WriteJSON(conn, accept); err != nil {
		wrapped := cmn.NewTransportErr(err, "write pull-replication accept")
		w.setState(Closed)
		w.shutdown.OnError(wrapped)
		return wrapped
	}
	w.lastAck.Store(startEtag)
	w.shutdown.Reset()
	w.publishAck(startEtag)

	return w.stream(ctx, conn, startEtag)
}

func (w *Worker) negotiate(conn Conn, startEtag uint64) (lastAccepted uint64, changeVector string, err error) {
	hdr := transport.TcpConnectionHeader{
		Operation:       transport.OperationReplication,
		ProtocolVersion: transport.ProtocolVersion,
		Database:        w.Self.DatabaseName,
	}
	if err := transport.WriteJSON(conn, hdr); err != nil {
		return 0, "", cmn.NewTransportErr(err, "write connection header")
	}

	req := transport.ReplicationLatestEtagRequest{
		SourceNodeTag:      w.Self.NodeTag,
		SourceMachineName:  w.Self.MachineName,
		SourceDatabaseID:   w.Self.DatabaseID,
		SourceDatabaseName: w.Self.DatabaseName,
		SourceURL:          w.Self.URL,
		LastSentEtag:       startEtag,
	}
	if err := transport.WriteJSON(conn, req); err != nil {
		return 0, "", cmn.NewTransportErr(err, "write latest etag request")
	}

	var reply transport.ReplicationMessageReply
	if err := transport.ReadJSON(conn, &reply); err != nil {
		return 0, "", cmn.NewTransportErr(err, "read handshake reply")
	}
	if reply.Type == transport.ReplyError {
		return 0, "", cmn.NewProtocolErr("peer rejected handshake: %s", reply.Error)
	}
	return reply.LastEtagAccepted, reply.DatabaseChangeVector, nil
}

// stream is the Streaming<->Idle loop: scan the change log past
// lastAccepted, send batches, wait for acks, and fall idle on
// ChangeNotification when the log is caught up, sending a heartbeat at
// cfg.HeartbeatEvery so the peer's inactivity timer never fires (spec
// §5, 60s MaxInactiveTime).
func (w *Worker) stream(ctx context.Context, conn Conn, lastAccepted uint64) error {
	for {
		select {
		case <-ctx.Done():
			w.setState(Closed)
			return ctx.Err()
		default:
		}

		w.setState(Streaming)
		batch, newLast, err := w.nextBatch(ctx, lastAccepted)
		if err != nil {
			w.setState(Closed)
			w.shutdown.OnError(err)
			return err
		}

		if len(batch) == 0 {
			w.setState(Idle)
			notify := w.source.ChangeNotification()
			timer := time.NewTimer(w.cfg.HeartbeatEvery)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.setState(Closed)
				return ctx.Err()
			case <-notify:
				timer.Stop()
				continue
			case <-timer.C:
				if err := w.sendHeartbeat(conn); err != nil {
					w.setState(Closed)
					w.shutdown.OnError(err)
					return err
				}
				continue
			}
		}

		msg := transport.BatchMessage{Items: batch, LastEtagInBatch: newLast}
		if err := transport.WriteJSON(conn, msg); err != nil {
			wrapped := cmn.NewTransportErr(err, "write batch")
			w.setState(Closed)
			w.shutdown.OnError(wrapped)
			return wrapped
		}

		var reply transport.ReplicationMessageReply
		if err := transport.ReadJSON(conn, &reply); err != nil {
			wrapped := cmn.NewTransportErr(err, "read batch ack")
			w.setState(Closed)
			w.shutdown.OnError(wrapped)
			return wrapped
		}
		if reply.Type == transport.ReplyError {
			wrapped := cmn.NewProtocolErr("peer rejected batch: %s", reply.Error)
			w.setState(Closed)
			w.shutdown.OnError(wrapped)
			return wrapped
		}

		lastAccepted = reply.LastEtagAccepted
		w.lastAck.Store(lastAccepted)
		w.shutdown.Touch()
		w.publishAck(lastAccepted)
		if w.Metrics != nil {
			dest := w.Dest.Key()
			w.Metrics.ReplicationBatchesSent.WithLabelValues(dest).Inc()
			w.Metrics.ReplicationItemsSent.WithLabelValues(dest).Add(float64(len(batch)))
		}
	}
}

// nextBatch drains ChangeSource up to cfg.BatchMaxItems, stopping
// before (and not advancing past) any entry onDelayFiltered reports as
// too fresh. NewWorker never sets onDelayFiltered, so
// Destination.DelayReplicationFor is not applied: entries are sent as
// soon as they are scanned.
func (w *Worker) nextBatch(ctx context.Context, fromEtagExclusive uint64) ([]clog.Entry, uint64, error) {
	cur, err := w.source.ScanAll(ctx, fromEtagExclusive)
	if err != nil {
		return nil, fromEtagExclusive, err
	}
	defer cur.Close()

	batch := make([]clog.Entry, 0, w.cfg.BatchMaxItems)
	last := fromEtagExclusive
	for cur.Next(ctx) {
		e := cur.Entry()
		if w.onDelayFiltered != nil && w.onDelayFiltered(e) {
			break
		}
		batch = append(batch, e)
		last = e.Etag
		if len(batch) >= w.cfg.BatchMaxItems {
			break
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fromEtagExclusive, err
	}
	return batch, last, nil
}

func (w *Worker) sendHeartbeat(conn Conn) error {
	msg := transport.BatchMessage{Items: nil, LastEtagInBatch: w.lastAck.Load()}
	if err := transport.WriteJSON(conn, msg); err != nil {
		return cmn.NewTransportErr(err, "write heartbeat")
	}
	var reply transport.ReplicationMessageReply
	if err := transport.ReadJSON(conn, &reply); err != nil {
		return cmn.NewTransportErr(err, "read heartbeat reply")
	}
	if reply.Type == transport.ReplyError {
		return cmn.NewProtocolErr("peer rejected heartbeat: %s", reply.Error)
	}
	w.shutdown.Touch()
	return nil
}

func (w *Worker) publishAck(etag uint64) {
	select {
	case w.acks <- AckEvent{Dest: w.Dest, LastEtagAccepted: etag, At: time.Now()}:
	default:
	}
}

// Pool owns one Worker per Destination and starts/stops them as the
// Loader's reconciler adds and removes destinations (spec §4.4 step
// 2-5), the way the teacher's `ec.Manager` owns one bundle per target.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*poolEntry
}

type poolEntry struct {
	worker  *Worker
	cancel  context.CancelFunc
	stopped *cmn.TimeoutGroup // Done() by runner on exit, so Remove never blocks indefinitely
}

func NewPool() *Pool { return &Pool{workers: make(map[string]*poolEntry)} }

// Ensure starts a Worker for dest if one isn't already running, and
// returns it. runner is invoked in its own goroutine with a reconnect
// loop around Worker.Run; callers typically pass Loader.runWorker.
func (p *Pool) Ensure(dest Destination, newWorker func() *Worker, runner func(ctx context.Context, w *Worker)) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[dest.Key()]; ok {
		return e.worker
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker()
	stopped := cmn.NewTimeoutGroup()
	stopped.Add(1)
	p.workers[dest.Key()] = &poolEntry{worker: w, cancel: cancel, stopped: stopped}
	go func() {
		defer stopped.Done()
		runner(ctx, w)
	}()
	return w
}

// Remove stops the Worker for dest, if any, and waits up to 5s for its
// runner goroutine to actually return before forgetting it (spec §4.4
// "never block the reconciler on worker teardown" - bounded, not
// unbounded, waiting).
func (p *Pool) Remove(dest Destination) {
	p.mu.Lock()
	e, ok := p.workers[dest.Key()]
	if ok {
		delete(p.workers, dest.Key())
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	e.stopped.WaitTimeout(5 * time.Second)
}

// Keys returns the destination keys currently tracked, for the
// reconciler to diff against the desired set (spec §4.4 step 3).
func (p *Pool) Keys() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{}, len(p.workers))
	for k := range p.workers {
		out[k] = struct{}{}
	}
	return out
}

func (p *Pool) Get(key string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[key]; ok {
		return e.worker
	}
	return nil
}
