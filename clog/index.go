package clog

import (
	"context"
	"fmt"

	"github.com/shardcore/dbreplica/bucket"
)

// Index is the public contract of the Change Log Index (spec §4.2): one
// method per kind, collapsed here into a single parameterized method the
// way an idiomatic Go interface would expose it.
type Index interface {
	// ScanByBucket returns entries of Kind k in Bucket b with etag
	// strictly greater than fromEtagExclusive, in strictly ascending
	// etag order, as of a read snapshot taken when the scan starts:
	// entries committed after that point are never observed by this
	// call, even if the Cursor is drained slowly.
	ScanByBucket(ctx context.Context, k Kind, b bucket.ID, fromEtagExclusive uint64) (Cursor, error)

	// Append indexes a newly committed entry. Returns the assigned
	// etag, which is strictly increasing per (node, kind).
	Append(e Entry) (etag uint64, err error)
}

// Cursor is a finite, lazily-produced ascending sequence of Entry.
// Callers remember the last etag they observed so a scan is trivially
// restartable (spec §4.2).
type Cursor interface {
	// Next advances the cursor. Returns false when the snapshot is
	// exhausted or ctx is done.
	Next(ctx context.Context) bool
	Entry() Entry
	Err() error
	Close()
}

// ErrInvalidKind and ErrInvalidBucket are the two named failure modes of
// spec §4.2.
func ErrInvalidKind(k Kind) error {
	return fmt.Errorf("clog: invalid kind %d", int(k))
}

func ErrInvalidBucket(b bucket.ID, count uint32) error {
	return fmt.Errorf("clog: bucket %d out of range [0,%d)", b, count)
}

func validateBucket(b bucket.ID, count uint32) error {
	if uint32(b) >= count {
		return ErrInvalidBucket(b, count)
	}
	return nil
}
