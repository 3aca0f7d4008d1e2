package cmn

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shardcore/dbreplica/cmn/cos"
)

// Config encapsulates every tunable of the replication and subscription
// engine, adapted from the teacher's `cmn.Config` - a single
// copy-on-write object guarded by a global owner (GCO) rather than a
// struct passed by parameter through every call site.
type Config struct {
	Node         NodeConf
	Net          NetConf
	Timeout      TimeoutConf
	Replication  ReplicationConf
	Subscription SubscriptionConf
	Bucket       BucketConf
}

type NodeConf struct {
	DatabaseID string // this node's database id, carried in every handshake
	NodeTag    string
	MachineName string
}

type NetConf struct {
	MinHeartbeatInterval cos.Duration // lower bound enforced on every network read (spec §5)
	MaxInactiveTime      cos.Duration // peer declared dead after this much silence (spec §5, 60s)
}

type TimeoutConf struct {
	ConnectTimeout      cos.Duration
	HandshakeTimeout    cos.Duration
	BatchAckTimeout     cos.Duration
}

type ReplicationConf struct {
	InitialRetryTimeout cos.Duration // ConnectionShutdownInfo.next_timeout seed (spec §3, 1s)
	MaxRetryTimeoutCap  cos.Duration // ConnectionShutdownInfo.max_timeout_cap
	BatchMaxItems       int
	BatchMaxBytes       int64
	ErrorWindowSize     int // bounded last_error_window size (spec §3, 25)
	RejectionRingSize   int
}

type SubscriptionConf struct {
	DefaultMaxDocsPerBatch int
	HeartbeatInterval      cos.Duration
}

type BucketConf struct {
	Count uint32 // bucket space size, spec §3 default 2^20
}

// DefaultConfig mirrors the literal numbers named in spec.md.
func DefaultConfig() *Config {
	return &Config{
		Net: NetConf{
			MinHeartbeatInterval: cos.Duration(3 * time.Second),
			MaxInactiveTime:      cos.Duration(60 * time.Second),
		},
		Timeout: TimeoutConf{
			ConnectTimeout:   cos.Duration(10 * time.Second),
			HandshakeTimeout: cos.Duration(10 * time.Second),
			BatchAckTimeout:  cos.Duration(30 * time.Second),
		},
		Replication: ReplicationConf{
			InitialRetryTimeout: cos.Duration(time.Second),
			MaxRetryTimeoutCap:  cos.Duration(5 * time.Minute),
			BatchMaxItems:       1024,
			BatchMaxBytes:       16 << 20,
			ErrorWindowSize:     25,
			RejectionRingSize:   64,
		},
		Subscription: SubscriptionConf{
			DefaultMaxDocsPerBatch: 1,
			HeartbeatInterval:      cos.Duration(3 * time.Second),
		},
		Bucket: BucketConf{
			Count: 1 << 20,
		},
	}
}

// globalConfigOwner is the copy-on-write holder of the process-wide
// Config, adapted from the teacher's `cmn.GCO` (globalConfigOwner /
// BeginUpdate / CommitUpdate).
type globalConfigOwner struct {
	mtx sync.Mutex
	c   atomic.Value // holds *Config
}

func (gco *globalConfigOwner) Get() *Config {
	v := gco.c.Load()
	if v == nil {
		return DefaultConfig()
	}
	return v.(*Config)
}

// BeginUpdate returns a clone of the current config for the caller to
// mutate; CommitUpdate installs it atomically. The pattern avoids
// readers ever observing a partially-updated Config.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	clone := *gco.Get()
	return &clone
}

func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	gco.c.Store(config)
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}

// GCO is the process-wide config owner, exactly the role the teacher's
// `cmn.GCO` plays for aistore daemons.
var GCO = &globalConfigOwner{}

func init() {
	GCO.c.Store(DefaultConfig())
}
