// Package hostadapter defines the external contract between a Consumer Host
// (one per pipeline) and the pipeline-specific processor it drives, and
// implements the shared open/process/close partition lifecycle bookkeeping.
// The Kafka adapter in internal/broker is the only concrete event source
// today; any other broker -- SQS, Event Hubs, a local file replay -- would
// satisfy the same interface without touching the processors themselves.
package hostadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jhinw/sfingest/internal/model"
)

// Checkpointer durably records progress for one partition; it is supplied
// by the Consumer Host and driven by the checkpoint.Coordinator inside each
// PartitionProcessor.
type Checkpointer func(ctx context.Context) error

// PartitionProcessor is implemented by both esbulk.PartitionHandle and
// cablob.PartitionHandle: the two concrete processing pipelines a host can
// drive.
type PartitionProcessor interface {
	Process(ctx context.Context, partitionID string, batch []model.RawEvent, now func() time.Time) error
	Close(ctx context.Context, partitionID string, reason model.PartitionCloseReason) error
}

// ProcessorFactory builds a PartitionProcessor for one newly opened
// partition, given its id and the host's checkpoint callback for that
// partition.
type ProcessorFactory func(partitionID string, checkpoint Checkpointer) PartitionProcessor

// Adapter tracks one PartitionProcessor per open partition and exposes the
// open/process/close lifecycle a Consumer Host calls into.
// It does not know about Kafka, or any other broker; internal/broker is the
// only caller.
type Adapter struct {
	newProcessor ProcessorFactory

	mu         sync.Mutex
	partitions map[string]PartitionProcessor
}

// New builds an Adapter around a ProcessorFactory for one pipeline.
func New(newProcessor ProcessorFactory) *Adapter {
	return &Adapter{newProcessor: newProcessor, partitions: make(map[string]PartitionProcessor)}
}

// Open constructs and registers a PartitionProcessor for partitionID. It is
// idempotent: opening an already-open partition replaces its processor,
// which matches a lease-reassignment re-open without an intervening close.
func (a *Adapter) Open(partitionID string, checkpoint Checkpointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partitions[partitionID] = a.newProcessor(partitionID, checkpoint)
}

// Process dispatches one batch to partitionID's processor. It is an error
// to call Process for a partition that was never opened.
func (a *Adapter) Process(ctx context.Context, partitionID string, batch []model.RawEvent, now func() time.Time) error {
	proc, ok := a.lookup(partitionID)
	if !ok {
		return fmt.Errorf("hostadapter: process called for unopened partition %s", partitionID)
	}
	return proc.Process(ctx, partitionID, batch, now)
}

// Close tears down partitionID's processor and removes it from the
// registry. Closing a partition that was never opened is a no-op.
func (a *Adapter) Close(ctx context.Context, partitionID string, reason model.PartitionCloseReason) error {
	proc, ok := a.lookup(partitionID)
	if !ok {
		return nil
	}
	err := proc.Close(ctx, partitionID, reason)
	a.mu.Lock()
	delete(a.partitions, partitionID)
	a.mu.Unlock()
	return err
}

func (a *Adapter) lookup(partitionID string) (PartitionProcessor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	proc, ok := a.partitions[partitionID]
	return proc, ok
}
