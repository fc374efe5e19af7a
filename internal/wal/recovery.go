package wal

import (
	"fmt"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/fsio"
)

// Recover replays the WAL ring starting at checkpointPos (the position
// recorded durable as of committedSeq, typically derived by the container
// layer from the footer's wal_committed_seq) and returns both the pending
// mutation records to re-apply and a Writer ready to resume appending.
// Grounded on the teacher's RecoveryManager shape (scan once, hand back
// both a transaction list and a resumable writer) but generalized from a
// linear transaction log's "replay everything since the last checkpoint
// file" to a ring's "replay forward from checkpoint_pos until sentinel or
// corruption".
func Recover(file *fsio.File, base int64, size uint32, checkpointPos uint32, committedSeq uint64, policy FsyncPolicy, diag diagnostics.Diagnostics) (*Writer, []Record, error) {
	reader := NewReader(file, base, size)
	records, state, err := reader.ScanPendingMutationsWithState(checkpointPos, committedSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: recover: %w", err)
	}

	writer := NewWriter(file, base, size, policy, diag, state)
	return writer, records, nil
}
