package consensus

import (
	"context"
	"sync"

	"github.com/shardcore/dbreplica/cluster"
)

// MemLog is an in-process Log: every AppendCommand applies synchronously
// and is visible immediately, so WaitForIndexNotification never
// actually waits. It exists for package tests and the standalone
// daemon's single-node mode, standing in for a real Raft group the way
// the teacher's own unit tests stand in a `cluster.Smap` by hand rather
// than running a real proxy.
type MemLog struct {
	mu      sync.Mutex
	index   int64
	records map[string]*cluster.DatabaseRecord
	subs    map[string][]byte // "database/name" -> encoded state
}

func NewMemLog() *MemLog {
	return &MemLog{
		records: make(map[string]*cluster.DatabaseRecord),
		subs:    make(map[string][]byte),
	}
}

func subKey(database, name string) string { return database + "/" + name }

func (l *MemLog) ReadRawDatabaseRecord(_ context.Context, database string) (*cluster.DatabaseRecord, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[database], l.index, nil
}

func (l *MemLog) ReadSubscriptionState(_ context.Context, database, name string) ([]byte, int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.subs[subKey(database, name)]
	return state, l.index, ok, nil
}

func (l *MemLog) AppendCommand(_ context.Context, cmd Command) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index++
	switch cmd.Kind {
	case CommandUpdateDatabaseRecord:
		l.records[cmd.Database] = cmd.Record
	case CommandPutSubscriptionState:
		l.subs[subKey(cmd.Database, cmd.SubscriptionName)] = cmd.SubscriptionState
	case CommandDeleteSubscriptionState:
		delete(l.subs, subKey(cmd.Database, cmd.SubscriptionName))
	}
	return l.index, nil
}

// WaitForIndexNotification always returns nil immediately: every
// AppendCommand above is already applied by the time it returns.
func (l *MemLog) WaitForIndexNotification(_ context.Context, _ int64) error { return nil }

func (l *MemLog) Index() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}
