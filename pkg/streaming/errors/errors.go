// Package errors collects the error kinds shared across the streamworker
// runtime: sentinel values meant to be compared with errors.Is, not a
// type hierarchy.
package errors

import "github.com/pkg/errors"

var (
	// ErrBadTopicSpec is returned when a Topic is constructed or derived
	// with both a name list and a pattern, or with a prefix/suffix applied
	// to a pattern-based topic.
	ErrBadTopicSpec = errors.New("bad topic spec")

	// ErrZeroPartitions is returned when a Topic's partition count is
	// explicitly set to zero.
	ErrZeroPartitions = errors.New("topic cannot have zero partitions")

	// ErrAddTooLate is returned by TableManager.Add once recovery has
	// already started for the current assignment.
	ErrAddTooLate = errors.New("too late to add tables, recovery already started")

	// ErrDuplicateTable is returned by TableManager.Add on a table name
	// collision.
	ErrDuplicateTable = errors.New("table with this name already exists")

	// ErrBrokerIO wraps any failure reported by the broker consumer or
	// producer back to the caller of the failing operation.
	ErrBrokerIO = errors.New("broker I/O error")

	// ErrRecoveryInterrupted is reported (via log, not necessarily returned)
	// when a recovery cycle ends without every table reviver reaching its
	// highwater, or is aborted by a concurrent revocation.
	ErrRecoveryInterrupted = errors.New("recovery interrupted")

	// ErrPublishFailure marks a FutureMessage that resolved failed; the
	// attachment's consumer observes this without affecting the source
	// offset commit that released it.
	ErrPublishFailure = errors.New("publish failed")
)

// Wrap and Wrapf re-export github.com/pkg/errors so callers in this module
// don't need a second import for the common "wrap with context" idiom.
var (
	Wrap  = errors.Wrap
	Wrapf = errors.Wrapf
	Is    = errors.Is
	As    = errors.As
	New   = errors.New
)
