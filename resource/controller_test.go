package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundSlots(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(ctx))
	require.NoError(t, c.AcquireBackground(ctx))
	assert.False(t, c.TryAcquireBackground())

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())

	c.ReleaseBackground()
	c.ReleaseBackground()
}

func TestAcquireBackgroundContextCanceled(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})
	require.NoError(t, c.AcquireBackground(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.AcquireBackground(ctx)
	require.Error(t, err)
}

func TestNilController(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	require.NoError(t, c.AcquireIO(context.Background(), 1<<20))
}

func TestIOLimiter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 30})
	require.NoError(t, c.AcquireIO(context.Background(), 4096))

	t.Run("unlimited when zero", func(t *testing.T) {
		c := NewController(Config{})
		require.NoError(t, c.AcquireIO(context.Background(), 1<<30))
	})
}
