package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaybeCheckpoint_FirstCallAlwaysCheckpoints(t *testing.T) {
	calls := 0
	c := New(func(ctx context.Context) error { calls++; return nil })

	did, err := c.MaybeCheckpoint(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, calls)
}

func TestMaybeCheckpoint_SkipsWithinInterval(t *testing.T) {
	calls := 0
	c := New(func(ctx context.Context) error { calls++; return nil })

	_, _ = c.MaybeCheckpoint(context.Background(), time.Hour)
	did, err := c.MaybeCheckpoint(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Equal(t, 1, calls)
}

func TestForceCheckpoint_Unconditional(t *testing.T) {
	calls := 0
	c := New(func(ctx context.Context) error { calls++; return nil })

	_, _ = c.MaybeCheckpoint(context.Background(), time.Hour)
	require.NoError(t, c.ForceCheckpoint(context.Background()))
	assert.Equal(t, 2, calls)
}
