package shardbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, err := OpenStore(ctx, Config{StoreBackend: "memory"})
		require.NoError(t, err)
		defer st.Close()
		require.NotNil(t, st)
	})

	t.Run("empty defaults to memory", func(t *testing.T) {
		st, err := OpenStore(ctx, Config{})
		require.NoError(t, err)
		defer st.Close()
		require.NotNil(t, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenStore(ctx, Config{StoreBackend: "sqlite", SQLiteFile: ":memory:"})
		require.NoError(t, err)
		defer st.Close()
		require.NotNil(t, st)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := OpenStore(ctx, Config{StoreBackend: "cassandra"})
		require.Error(t, err)
		var cfgErr *ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "StoreBackend", cfgErr.Field)
	})
}

func TestCoordinatorOptionsMapping(t *testing.T) {
	opts := CoordinatorOptions(Config{
		PartitionCount:           512,
		MaxPartitionsPerInstance: 32,
		LeaseSeconds:             120,
		StaleThresholdSeconds:    240,
		BatchSize:                50,
	})

	assert.Equal(t, 512, opts.PartitionCount)
	assert.Equal(t, 32, opts.MaxPartitionsPerInstance)
	assert.Equal(t, 2*time.Minute, opts.LeaseDuration)
	assert.Equal(t, 4*time.Minute, opts.StaleThreshold)
	assert.Equal(t, 50, opts.BatchSize)
}

// The aliased surface wired end to end: stage a message through the public
// names and watch it come back claimed.
func TestPublicSurfaceRoundTrip(t *testing.T) {
	ctx := context.Background()

	st, err := OpenStore(ctx, Config{})
	require.NoError(t, err)
	defer st.Close()

	coord, err := NewCoordinator(st, NopLogger(), Options{
		PartitionCount:           16,
		MaxPartitionsPerInstance: 16,
	}, nil)
	require.NoError(t, err)

	batch, err := coord.ProcessWorkBatch(ctx, Request{
		Instance: Instance{ID: "instance-a", ServiceName: "orders"},
		NewInbox: []NewMessage{{
			Destination: "order-handler",
			MessageType: "PlaceOrder",
			StreamID:    "order-1",
		}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.True(t, batch.Inbox[0].Status.Has(StageStored))
	assert.NotEmpty(t, batch.Inbox[0].MessageID, "a ULID is minted when no id is given")
}
