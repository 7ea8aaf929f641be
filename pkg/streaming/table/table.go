// Package table implements the table contract and the table manager:
// orchestrating changelog recovery and standby tailing across every table
// registered in the process, driven by partition assignment/revocation.
package table

import (
	"context"

	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// Table is the contract the table manager needs of a materialized,
// changelog-backed collection. A table owns its own state store; the
// manager only drives its lifecycle and recovery callbacks.
type Table interface {
	// Name identifies the table for AddTooLate/DuplicateTable bookkeeping
	// and flight-recorder logging.
	Name() string

	// ChangelogTopic is the name of the compacted topic backing this
	// table; the manager derives the TPs to replay from the partitions
	// assigned to the table's own changelog topic.
	ChangelogTopic() string

	// PersistedOffset returns the offset of the last changelog record
	// durably applied to the table's backing store for t, or
	// tp.OffsetUnknown if the store has nothing for t yet. Recovery
	// resumes reading at the following offset.
	PersistedOffset(t tp.TP) tp.Offset

	// Apply applies one changelog record to the table's state store.
	Apply(t tp.TP, key, value []byte) error

	// OnPartitionsAssigned/OnPartitionsRevoked forward assignment changes
	// to the table itself (e.g. to open/close local store partitions).
	OnPartitionsAssigned(ctx context.Context, assigned tp.Set) error
	OnPartitionsRevoked(ctx context.Context, revoked tp.Set) error

	// CallRecoverCallbacks runs once recovery has brought this table to
	// its targets, before the recovery-completed latch is set.
	CallRecoverCallbacks(ctx context.Context) error
}

// PartitionAssignor answers which of the currently assigned TPs this
// worker should materialize as actives versus hot standbys for.
type PartitionAssignor interface {
	AssignedActives() tp.Set
	AssignedStandbys() tp.Set
}
