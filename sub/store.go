package sub

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/shardcore/dbreplica/consensus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the Subscription Store of spec §4.8: every read goes through
// the external consensus log so every node in the cluster agrees on a
// subscription's resume point and current holder, the same way
// cluster.DatabaseRecord is the single source of truth for topology.
type Store struct {
	log      consensus.Log
	database string
}

func NewStore(log consensus.Log, database string) *Store {
	return &Store{log: log, database: database}
}

// Load returns the current State for name, or a fresh zero-value State
// (LastProcessedEtag 0) if none has ever been persisted.
func (s *Store) Load(ctx context.Context, name string) (*State, error) {
	raw, _, ok, err := s.log.ReadSubscriptionState(ctx, s.database, name)
	if err != nil {
		return nil, fmt.Errorf("sub: load %q: %w", name, err)
	}
	if !ok {
		return &State{Name: name}, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("sub: decode state %q: %w", name, err)
	}
	return &st, nil
}

// Save proposes st to the consensus log and blocks until it commits.
func (s *Store) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sub: encode state %q: %w", st.Name, err)
	}
	idx, err := s.log.AppendCommand(ctx, consensus.Command{
		Kind:              consensus.CommandPutSubscriptionState,
		Database:          s.database,
		SubscriptionName:  st.Name,
		SubscriptionState: raw,
	})
	if err != nil {
		return fmt.Errorf("sub: append state %q: %w", st.Name, err)
	}
	return s.log.WaitForIndexNotification(ctx, idx)
}

// Delete removes a subscription's persisted state entirely.
func (s *Store) Delete(ctx context.Context, name string) error {
	idx, err := s.log.AppendCommand(ctx, consensus.Command{
		Kind:             consensus.CommandDeleteSubscriptionState,
		Database:         s.database,
		SubscriptionName: name,
	})
	if err != nil {
		return fmt.Errorf("sub: delete state %q: %w", name, err)
	}
	return s.log.WaitForIndexNotification(ctx, idx)
}

// RecordFailure increments st.ConsecutiveFailures, sets LastError, and
// disables the subscription once maxConsecutiveFailures is reached
// (spec §4.8's failure-counting rule), persisting the result either
// way.
func (s *Store) RecordFailure(ctx context.Context, name string, cause error) (*State, error) {
	st, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	st.ConsecutiveFailures++
	st.LastError = cause.Error()
	if st.ConsecutiveFailures >= maxConsecutiveFailures {
		st.Disabled = true
	}
	if err := s.Save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// RecordSuccess resets the failure streak after a clean batch ack and
// advances LastProcessedEtag to lastProcessedEtag; it never moves the
// persisted cursor backwards, so a jump saved in the meantime is kept.
func (s *Store) RecordSuccess(ctx context.Context, name string, lastProcessedEtag uint64) error {
	st, err := s.Load(ctx, name)
	if err != nil {
		return err
	}
	st.ConsecutiveFailures = 0
	st.LastError = ""
	if lastProcessedEtag > st.LastProcessedEtag {
		st.LastProcessedEtag = lastProcessedEtag
	}
	return s.Save(ctx, st)
}
