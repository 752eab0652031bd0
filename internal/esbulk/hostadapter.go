package esbulk

import (
	"context"
	"time"

	"github.com/jhinw/sfingest/internal/checkpoint"
	"github.com/jhinw/sfingest/internal/model"
)

// PartitionHandle adapts a Processor bound to one partition's state to the
// hostadapter.PartitionProcessor interface.
type PartitionHandle struct {
	proc *Processor
	st   *PartitionState
}

// NewPartitionHandle builds the per-partition ES handle a Consumer Host
// opens on partition assignment.
func NewPartitionHandle(proc *Processor, partitionID string, cp *checkpoint.Coordinator) *PartitionHandle {
	return &PartitionHandle{proc: proc, st: NewPartitionState(partitionID, cp)}
}

func (h *PartitionHandle) Process(ctx context.Context, _ string, batch []model.RawEvent, now func() time.Time) error {
	return h.proc.Process(ctx, h.st, batch, now)
}

func (h *PartitionHandle) Close(ctx context.Context, _ string, reason model.PartitionCloseReason) error {
	return h.proc.Close(ctx, h.st, reason)
}
