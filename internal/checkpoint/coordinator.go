// Package checkpoint implements the Checkpoint Coordinator: rate limiting
// and linearizing checkpoint calls per partition.
package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Checkpointer is the host-provided callback that durably acknowledges
// progress for one partition.
type Checkpointer func(ctx context.Context) error

// Coordinator tracks the last checkpoint time for a single partition and
// decides when another is due. One Coordinator is owned per partition
// processor; it is not shared across partitions.
type Coordinator struct {
	mu               sync.Mutex
	lastCheckpointAt time.Time
	checkpoint       Checkpointer
}

// New builds a Coordinator around the host's per-partition checkpoint call.
func New(checkpoint Checkpointer) *Coordinator {
	return &Coordinator{checkpoint: checkpoint}
}

// MaybeCheckpoint invokes the host checkpoint only if minInterval has
// elapsed since the last one, and updates the stamp on success.
func (c *Coordinator) MaybeCheckpoint(ctx context.Context, minInterval time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastCheckpointAt.IsZero() && time.Since(c.lastCheckpointAt) < minInterval {
		return false, nil
	}
	if err := c.checkpoint(ctx); err != nil {
		return false, err
	}
	c.lastCheckpointAt = time.Now()
	return true, nil
}

// ForceCheckpoint invokes the host checkpoint unconditionally: used on clean
// shutdown, and by the CA pipeline after any flush within a batch.
func (c *Coordinator) ForceCheckpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkpoint(ctx); err != nil {
		return err
	}
	c.lastCheckpointAt = time.Now()
	return nil
}
