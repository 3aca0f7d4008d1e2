package sub

import (
	"context"
	"fmt"
	"time"

	"github.com/shardcore/dbreplica/bucket"
	"github.com/shardcore/dbreplica/clog"
	"github.com/shardcore/dbreplica/cluster"
	"github.com/shardcore/dbreplica/cmn"
	"github.com/shardcore/dbreplica/repl"
	"github.com/shardcore/dbreplica/stats"
	"github.com/shardcore/dbreplica/transport"
)

// Filter decides whether a subscription worker should ever see e,
// standing in for the client-supplied selection criteria (spec §4.8
// names this "the subscription's filter/projection"), which this
// repository treats as opaque (storage/query-engine non-goal).
type Filter func(e clog.Entry) bool

// Connection is the Subscription Connection of spec §4.8: one worker's
// streaming session over one accepted socket. Grounded on the same
// stage-loop shape as repl.Worker, since both stream a resumable change
// log to a peer and differ mainly in resume-point and filtering rules.
type Connection struct {
	Name     string
	WorkerID string
	ShardID  int32

	Self       repl.SelfInfo
	View       cluster.Owner
	Source     repl.ChangeSource
	Store      *Store
	Supervisor *Supervisor
	Filter     Filter

	MaxDocsPerBatch int
	HeartbeatEvery  time.Duration

	// IgnoreSubscriberErrors and MaxErroneousPeriod mirror the
	// like-named fields of transport.SubscriptionOpenRequest (spec
	// §4.8): whether a reported handler failure still advances the
	// cursor, and how long continuous failures may run before the
	// Supervisor's stopwatch trips regardless.
	IgnoreSubscriberErrors bool
	MaxErroneousPeriod     time.Duration

	Metrics *stats.Registry
}

// Run drives one subscription session end to end: resolve the resume
// point (applying the change-vector-jump rule), then stream filtered,
// bucket-ownership-respecting batches until ctx is cancelled, the peer
// disconnects, or the consecutive-failure limit trips.
func (c *Connection) Run(ctx context.Context, conn repl.Conn, openReq transport.SubscriptionOpenRequest) error {
	state, err := c.Store.Load(ctx, c.Name)
	if err != nil {
		return cmn.NewSubscriberHandlerErr(err)
	}
	if state.Disabled {
		return cmn.NewSubscriberHandlerErr(fmt.Errorf("subscription %q is disabled after repeated failures", c.Name))
	}

	// The change-vector-jump rule (spec §4.8): a worker may report
	// having already processed further than the server's persisted
	// resume point, e.g. after a failover raced an ack's persistence.
	// Trust the higher of the two rather than ever replaying backwards.
	resumeFrom := state.LastProcessedEtag
	if openReq.ClientProcessedEtag > resumeFrom {
		resumeFrom = openReq.ClientProcessedEtag
	}

	if err := transport.WriteJSON(conn, transport.SubscriptionAckMessage{AckedEtag: resumeFrom}); err != nil {
		return cmn.NewTransportErr(err, "write subscription open ack")
	}
	if c.Supervisor != nil {
		c.Supervisor.RegisterSubscriptionConnection(c.Name)
	}

	return c.stream(ctx, conn, resumeFrom)
}

func (c *Connection) stream(ctx context.Context, conn repl.Conn, lastAcked uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A hard DeleteDatabase racing this connection must unwind it
		// with the matching error (spec §8 scenario 5) rather than let
		// it keep streaming against a database that is gone or going.
		if view := c.View.Get(); !view.Exists() {
			return cmn.NewDatabaseDoesNotExistErr(c.Self.DatabaseName)
		} else if view.IsDeleted() {
			return cmn.NewDatabaseGoneErr(c.Name, c.Self.DatabaseName, c.Self.NodeTag)
		}

		// The change-vector-jump rule (spec §4.8) also applies once
		// streaming is underway, not just at the initial open: an
		// administrator may overwrite the persisted cursor while this
		// worker is already connected, and the jump must take effect on
		// the very next ack boundary without replaying the skipped
		// range. Re-read the persisted state every iteration and only
		// ever move lastAcked forward.
		if st, err := c.Store.Load(ctx, c.Name); err == nil && st.LastProcessedEtag > lastAcked {
			lastAcked = st.LastProcessedEtag
		}

		batch, newLast, err := c.nextBatch(ctx, lastAcked)
		if err != nil {
			c.recordFailure(ctx, err)
			return cmn.NewSubscriberHandlerErr(err)
		}

		if len(batch) == 0 {
			if newLast > lastAcked {
				// Nothing matched this shard's ownership or the filter,
				// but the scan still advanced past entries that would
				// otherwise be rescanned forever; persist the new resume
				// point so progress isn't repeated on every idle wakeup.
				lastAcked = newLast
				if err := c.Store.RecordSuccess(ctx, c.Name, lastAcked); err != nil {
					return cmn.NewSubscriberHandlerErr(err)
				}
			}
			notify := c.Source.ChangeNotification()
			timer := time.NewTimer(c.HeartbeatEvery)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-notify:
				timer.Stop()
				continue
			case <-timer.C:
				if err := transport.WriteJSON(conn, transport.SubscriptionBatchMessage{LastEtagInBatch: lastAcked}); err != nil {
					return cmn.NewTransportErr(err, "write subscription heartbeat")
				}
				continue
			}
		}

		msg := transport.SubscriptionBatchMessage{Items: batch, LastEtagInBatch: newLast}
		if err := transport.WriteJSON(conn, msg); err != nil {
			return cmn.NewTransportErr(err, "write subscription batch")
		}

		var ack transport.SubscriptionAckMessage
		if err := transport.ReadJSON(conn, &ack); err != nil {
			c.recordFailure(ctx, err)
			return cmn.NewTransportErr(err, "read subscription ack")
		}
		if ack.AckedEtag < lastAcked {
			err := fmt.Errorf("worker acked etag %d behind already-confirmed %d", ack.AckedEtag, lastAcked)
			c.recordFailure(ctx, err)
			return cmn.NewProtocolErr("%s", err.Error())
		}

		// Batch loop step 5 (spec §4.8): on a handler error, advance the
		// cursor anyway only if IgnoreSubscriberErrors says so, or leave
		// it intact and end the connection so the worker retries.
		if ack.Error != "" {
			handlerErr := fmt.Errorf("worker reported handler failure: %s", ack.Error)
			c.recordFailure(ctx, handlerErr)
			exceeded := c.Supervisor != nil && c.Supervisor.RecordConnectionFailure(c.Name, c.MaxErroneousPeriod)
			if !c.IgnoreSubscriberErrors || exceeded {
				return cmn.NewSubscriberHandlerErr(handlerErr)
			}
		}

		lastAcked = ack.AckedEtag
		if lastAcked < newLast {
			lastAcked = newLast
		}
		if err := c.Store.RecordSuccess(ctx, c.Name, lastAcked); err != nil {
			return cmn.NewSubscriberHandlerErr(err)
		}
		if ack.Error == "" && c.Supervisor != nil {
			c.Supervisor.RegisterSubscriptionConnection(c.Name)
		}
		if c.Metrics != nil {
			c.Metrics.SubscriptionAcksTotal.WithLabelValues(c.Name).Inc()
		}
	}
}

// nextBatch scans the change log past lastAcked and keeps only entries
// this shard actually owns (spec §4.8: sharded databases only forward
// documents in buckets this node owns) and that pass Filter, up to
// MaxDocsPerBatch.
func (c *Connection) nextBatch(ctx context.Context, fromEtagExclusive uint64) ([]clog.Entry, uint64, error) {
	cur, err := c.Source.ScanAll(ctx, fromEtagExclusive)
	if err != nil {
		return nil, fromEtagExclusive, err
	}
	defer cur.Close()

	view := c.View.Get()
	sharded := view.Sharded()

	batch := make([]clog.Entry, 0, c.MaxDocsPerBatch)
	last := fromEtagExclusive
	for cur.Next(ctx) {
		e := cur.Entry()
		last = e.Etag // advance the resume point even over skipped entries

		if sharded {
			shard, err := bucket.ShardOf(e.Bucket, view.ShardRanges(), view.Migrations(), false)
			if err != nil || shard != c.ShardID {
				continue
			}
		}
		if c.Filter != nil && !c.Filter(e) {
			continue
		}
		batch = append(batch, e)
		if len(batch) >= c.MaxDocsPerBatch {
			break
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fromEtagExclusive, err
	}
	return batch, last, nil
}

func (c *Connection) recordFailure(ctx context.Context, cause error) {
	// Best-effort: a failure to even persist the failure count must not
	// mask the original error back to the caller.
	_, _ = c.Store.RecordFailure(ctx, c.Name, cause)
	if c.Metrics != nil {
		c.Metrics.SubscriptionFailures.WithLabelValues(c.Name).Inc()
	}
}
