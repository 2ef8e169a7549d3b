// Package pdeserr defines the typed error values the simulation kernel
// returns. Each kind is a plain struct implementing error and carrying
// structured fields rather than a formatted string, so callers can
// errors.As into the fields they need.
package pdeserr

import (
	"fmt"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
)

// PrehistoryError is returned when a read asks for an instant before the
// Universe's historyStart.
type PrehistoryError struct {
	HistoryStart instant.Instant
	Requested    instant.Instant
}

func (e PrehistoryError) Error() string {
	return fmt.Sprintf("pdes: instant %d is before historyStart %d", e.Requested, e.HistoryStart)
}

// IllegalStateError is returned when an operation is attempted from a
// Transaction state that does not permit it.
type IllegalStateError struct {
	State     string
	Operation string
}

func (e IllegalStateError) Error() string {
	return fmt.Sprintf("pdes: %s is not permitted in state %s", e.Operation, e.State)
}

// InvalidArgumentError is returned for caller-supplied arguments that are
// never legal: a write at or before StartOfTime, a write instant not after a
// prior read, and a historyStart moved backward or past historyEnd. A
// negative duration passed to engine.Delay is not rejected with it.
type InvalidArgumentError struct {
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return "pdes: invalid argument: " + e.Reason
}

// TimeOverflowError is returned when Instant arithmetic would overflow
// rather than silently wrap.
type TimeOverflowError struct {
	Cause error
}

func (e TimeOverflowError) Error() string {
	return fmt.Sprintf("pdes: time overflow: %v", e.Cause)
}

func (e TimeOverflowError) Unwrap() error { return e.Cause }

// AbortedTransactionError is returned by BeginCommit when the commit is
// precluded because the transaction has already aborted.
type AbortedTransactionError struct {
	TxnID uint64
}

func (e AbortedTransactionError) Error() string {
	return fmt.Sprintf("pdes: transaction %d is aborted", e.TxnID)
}

// CallbackError wraps a panic or error raised by the application-supplied
// PutNextStateTransition callback, together with the prior state id and the
// write instant being attempted.
type CallbackError struct {
	Prior    objectid.ObjectStateId
	WhenNext instant.Instant
	Cause    error
}

func (e CallbackError) Error() string {
	return fmt.Sprintf("pdes: putNextStateTransition failed for %s (attempted write at %d): %v",
		e.Prior, e.WhenNext, e.Cause)
}

func (e CallbackError) Unwrap() error { return e.Cause }

// ResurrectionError is returned by ObjectData.tryAppend when a non-null state
// is written after the object's history already ends in a null (destroyed)
// state.
type ResurrectionError struct {
	Object objectid.ObjectId
}

func (e ResurrectionError) Error() string {
	return fmt.Sprintf("pdes: object %s was destroyed and cannot be resurrected", e.Object)
}

// WriteInvalidatedError is returned by ObjectData.tryAppend when the
// proposed write instant is at or before latestCommit.
type WriteInvalidatedError struct {
	Object       objectid.ObjectId
	When         instant.Instant
	LatestCommit instant.Instant
}

func (e WriteInvalidatedError) Error() string {
	return fmt.Sprintf("pdes: write to %s at %d invalidated: latestCommit is already %d",
		e.Object, e.When, e.LatestCommit)
}
