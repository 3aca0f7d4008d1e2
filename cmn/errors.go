// Package cmn provides common low-level types and utilities shared by all
// packages of this repository: configuration, the error taxonomy, and
// assorted helpers, the way the teacher's own `cmn` package does for
// aistore.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy of spec §7. Every error surfaced
// across a component boundary (repl, sub) carries exactly one Kind.
type Kind string

const (
	KindTransport         Kind = "Transport"
	KindProtocol          Kind = "Protocol"
	KindNotOwner          Kind = "NotOwner"
	KindDatabaseGone      Kind = "DatabaseGone"
	KindSubscriberHandler Kind = "SubscriberHandler"
	KindConsensus         Kind = "Consensus"
	KindFatal             Kind = "Fatal"
)

// TypedError is the common shape for every error this repository raises
// across a package boundary: a Kind from the §7 taxonomy plus whatever
// context fields apply to it.
type TypedError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TypedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *TypedError) Unwrap() error { return e.Cause }

func (e *TypedError) Is(target error) bool {
	t, ok := target.(*TypedError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func NewTransportErr(cause error, format string, a ...interface{}) error {
	return &TypedError{Kind: KindTransport, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func NewProtocolErr(format string, a ...interface{}) error {
	return &TypedError{Kind: KindProtocol, Message: fmt.Sprintf(format, a...)}
}

func NewNotOwnerErr(task string) error {
	return &TypedError{Kind: KindNotOwner, Message: fmt.Sprintf("task %q is not owned by this node", task)}
}

// NewDatabaseGoneErr formats the exact message spec §4.7/§7 require for a
// subscription unwind during database deletion.
func NewDatabaseGoneErr(name, db, nodeTag string) error {
	return &TypedError{
		Kind: KindDatabaseGone,
		Message: fmt.Sprintf(
			"Stopping subscription '%s' on node %s, because database '%s' is being deleted.",
			name, nodeTag, db),
	}
}

// NewDatabaseDoesNotExistErr formats the alternate race outcome named in
// spec §8 scenario 5.
func NewDatabaseDoesNotExistErr(db string) error {
	return &TypedError{Kind: KindDatabaseGone, Message: fmt.Sprintf("Database '%s' does not exist.", db)}
}

func NewSubscriberHandlerErr(cause error) error {
	return &TypedError{Kind: KindSubscriberHandler, Message: "subscriber handler failed", Cause: cause}
}

func NewConsensusErr(cause error, format string, a ...interface{}) error {
	return &TypedError{Kind: KindConsensus, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func NewFatalErr(format string, a ...interface{}) error {
	return &TypedError{Kind: KindFatal, Message: fmt.Sprintf(format, a...)}
}

// KindOf extracts the taxonomy Kind from err, or "" if err is not (and
// does not wrap) a *TypedError.
func KindOf(err error) Kind {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// generic not-found / no-nodes errors, adapted from the teacher's
// cluster.Smap helpers (cmn.NewNotFoundError / cmn.NewNoNodesError) that
// cluster/map.go calls into.
type NotFoundError struct{ what string }

func (e *NotFoundError) Error() string { return e.what + " not found" }

func NewNotFoundError(format string, a ...interface{}) error {
	return &NotFoundError{what: fmt.Sprintf(format, a...)}
}

type NoNodesError struct{ kind string }

func (e *NoNodesError) Error() string { return "no available nodes of kind " + e.kind }

func NewNoNodesError(kind string) error {
	return &NoNodesError{kind: kind}
}
