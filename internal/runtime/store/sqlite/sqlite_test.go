package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coordinatorpkg "github.com/drblury/shardbus/internal/runtime/coordinator"
	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	"github.com/drblury/shardbus/internal/runtime/logging"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestWorkItemRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Second)

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		inserted, err := tx.InsertWorkItem(ctx, storepkg.WorkItem{
			MessageID:   "m1",
			Queue:       storepkg.QueueOutbox,
			Destination: "billing",
			MessageType: "Invoice",
			Payload:     []byte(`{"total":42}`),
			Metadata:    map[string]string{"tenant": "acme"},
			StreamID:    "order-1",
			Partition:   7,
			Status:      statuspkg.Set(0).With(statuspkg.Stored),
			CreatedAt:   created,
		})
		require.NoError(t, err)
		require.True(t, inserted)
		return nil
	})
	require.NoError(t, err)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueOutbox, "m1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "billing", item.Destination)
		assert.Equal(t, []byte(`{"total":42}`), item.Payload)
		assert.Equal(t, map[string]string{"tenant": "acme"}, item.Metadata)
		assert.Equal(t, 7, item.Partition)
		assert.True(t, item.Status.Has(statuspkg.Stored))
		assert.True(t, item.LeaseExpiry.IsZero(), "unclaimed item must come back with a zero lease")
		assert.True(t, item.CompletedAt.IsZero())

		item.Status = item.Status.With(statuspkg.Published)
		item.Attempts = 2
		item.CompletedAt = created.Add(time.Minute)
		return tx.UpdateWorkItem(ctx, item)
	})
	require.NoError(t, err)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueOutbox, "m1")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, item.Status.Has(statuspkg.Published))
		assert.Equal(t, 2, item.Attempts)
		assert.False(t, item.CompletedAt.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestInboxDeduplicatesByMessageID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insert := func() bool {
		var inserted bool
		err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
			var err error
			inserted, err = tx.InsertWorkItem(ctx, storepkg.WorkItem{
				MessageID: "dup-1",
				Queue:     storepkg.QueueInbox,
				CreatedAt: time.Now(),
			})
			return err
		})
		require.NoError(t, err)
		return inserted
	}

	assert.True(t, insert(), "first delivery must insert")
	assert.False(t, insert(), "redelivery must be a silent no-op")
}

func TestRollbackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		_, err := tx.InsertWorkItem(ctx, storepkg.WorkItem{
			MessageID: "m1", Queue: storepkg.QueueOutbox, CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		_, found, err := tx.GetWorkItem(ctx, storepkg.QueueOutbox, "m1")
		require.NoError(t, err)
		assert.False(t, found, "rolled-back insert must not be visible")
		return nil
	})
	require.NoError(t, err)
}

func TestScanWorkOrderingAndVisibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		items := []storepkg.WorkItem{
			{MessageID: "b2", Queue: storepkg.QueueInbox, StreamID: "s2", Partition: 1, CreatedAt: now},
			{MessageID: "a1", Queue: storepkg.QueueInbox, StreamID: "s1", Partition: 1, CreatedAt: now},
			{MessageID: "a2", Queue: storepkg.QueueInbox, StreamID: "s1", Partition: 1, CreatedAt: now},
			// Wrong partition: never returned.
			{MessageID: "c1", Queue: storepkg.QueueInbox, StreamID: "s3", Partition: 9, CreatedAt: now},
			// Backed off into the future: returned anyway, so a claimer can
			// hold the rest of its stream behind it.
			{MessageID: "a0", Queue: storepkg.QueueInbox, StreamID: "s1", Partition: 1,
				CreatedAt: now, ScheduledFor: now.Add(time.Hour)},
			// Terminal: never returned.
			{MessageID: "d1", Queue: storepkg.QueueInbox, StreamID: "s4", Partition: 1,
				CreatedAt: now, CompletedAt: now},
		}
		for _, item := range items {
			if _, err := tx.InsertWorkItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		items, err := tx.ScanWork(ctx, storepkg.QueueInbox, []int{1, 2}, 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.MessageID)
		}
		assert.Equal(t, []string{"a0", "a1", "a2", "b2"}, ids)
		return nil
	})
	require.NoError(t, err)
}

func TestClaimAndRenewLeases(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		_, err := tx.InsertWorkItem(ctx, storepkg.WorkItem{
			MessageID: "m1", Queue: storepkg.QueueInbox, Partition: 1, CreatedAt: now,
		})
		require.NoError(t, err)
		return tx.ClaimWorkItems(ctx, storepkg.QueueInbox, []string{"m1"}, "instance-a", now.Add(time.Minute))
	})
	require.NoError(t, err)

	// Renewal by a non-owner must not touch the lease.
	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		return tx.RenewLeases(ctx, storepkg.QueueInbox, "instance-b", []string{"m1"}, now.Add(time.Hour))
	})
	require.NoError(t, err)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, _, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, "m1")
		require.NoError(t, err)
		assert.Equal(t, "instance-a", item.ClaimedBy)
		assert.WithinDuration(t, now.Add(time.Minute), item.LeaseExpiry, time.Second)

		return tx.RenewLeases(ctx, storepkg.QueueInbox, "instance-a", []string{"m1"}, now.Add(time.Hour))
	})
	require.NoError(t, err)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, _, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, "m1")
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(time.Hour), item.LeaseExpiry, time.Second)
		return nil
	})
	require.NoError(t, err)
}

func TestEvictStaleInstancesReleasesPartitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		require.NoError(t, tx.UpsertInstance(ctx, storepkg.ServiceInstance{
			ID: "stale", ServiceName: "orders",
			StartedAt: now.Add(-time.Hour), LastHeartbeatAt: now.Add(-time.Hour),
		}))
		require.NoError(t, tx.UpsertInstance(ctx, storepkg.ServiceInstance{
			ID: "live", ServiceName: "orders",
			StartedAt: now, LastHeartbeatAt: now,
		}))
		require.NoError(t, tx.UpsertAssignment(ctx, storepkg.PartitionAssignment{
			Partition: 1, InstanceID: "stale", AssignedAt: now, LastHeartbeat: now,
		}))
		require.NoError(t, tx.UpsertAssignment(ctx, storepkg.PartitionAssignment{
			Partition: 2, InstanceID: "live", AssignedAt: now, LastHeartbeat: now,
		}))
		return nil
	})
	require.NoError(t, err)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		evicted, err := tx.EvictStaleInstances(ctx, now.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"stale"}, evicted)

		assigned, err := tx.AssignedPartitions(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[int]string{2: "live"}, assigned)
		return nil
	})
	require.NoError(t, err)
}

func TestEventAppendAndRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		latest, err := tx.LatestSequence(ctx, "order-1")
		require.NoError(t, err)
		assert.Zero(t, latest)

		for seq := int64(1); seq <= 3; seq++ {
			require.NoError(t, tx.AppendEvent(ctx, storepkg.EventRecord{
				EventID:   []string{"", "ev-1", "ev-2", "ev-3"}[seq],
				StreamID:  "order-1",
				Sequence:  seq,
				EventType: "OrderPlaced",
				Payload:   []byte(`{}`),
				CreatedAt: now,
			}))
		}

		latest, err = tx.LatestSequence(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest)
		return nil
	})
	require.NoError(t, err)

	// A concurrent append at a taken sequence surfaces the conflict and rolls
	// the whole transaction back.
	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		return tx.AppendEvent(ctx, storepkg.EventRecord{
			EventID: "ev-dup", StreamID: "order-1", Sequence: 2,
			EventType: "OrderPlaced", CreatedAt: now,
		})
	})
	require.ErrorIs(t, err, errspkg.ErrSequenceConflict)

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		events, err := tx.ReadEvents(ctx, "order-1", "", 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "ev-1", events[0].EventID)

		// Resume after ev-1: only the tail comes back.
		events, err = tx.ReadEvents(ctx, "order-1", "ev-1", 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "ev-2", events[0].EventID)
		assert.Equal(t, "ev-3", events[1].EventID)
		return nil
	})
	require.NoError(t, err)
}

func TestCheckpointAndModelRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	err := st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		_, found, err := tx.GetCheckpoint(ctx, "order-1", "orders_summary")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, tx.PutCheckpoint(ctx, storepkg.Checkpoint{
			StreamID: "order-1", Perspective: "orders_summary",
			LastEventID: "ev-1", Status: storepkg.CheckpointCheckpointed, ProcessedAt: now,
		}))
		// Replacing the checkpoint advances it in place.
		require.NoError(t, tx.PutCheckpoint(ctx, storepkg.Checkpoint{
			StreamID: "order-1", Perspective: "orders_summary",
			LastEventID: "ev-2", Status: storepkg.CheckpointCheckpointed, ProcessedAt: now,
		}))

		cp, found, err := tx.GetCheckpoint(ctx, "order-1", "orders_summary")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "ev-2", cp.LastEventID)
		assert.Equal(t, storepkg.CheckpointCheckpointed, cp.Status)

		require.NoError(t, tx.PutModel(ctx, "orders_summary", "order-1", []byte(`{"total":42}`)))
		require.NoError(t, tx.PutModel(ctx, "orders_summary", "order-1", []byte(`{"total":43}`)))
		model, found, err := tx.GetModel(ctx, "orders_summary", "order-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(`{"total":43}`), model)

		require.NoError(t, tx.DeleteModel(ctx, "orders_summary", "order-1"))
		_, found, err = tx.GetModel(ctx, "orders_summary", "order-1")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

// The whole coordinator cycle against the real SQL adapter.
func TestCoordinatorCycleOverSQLite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	coord, err := coordinatorpkg.New(st, logging.Nop(), coordinatorpkg.Options{
		PartitionCount:           16,
		MaxPartitionsPerInstance: 16,
	}, nil)
	require.NoError(t, err)

	inst := coordinatorpkg.Instance{ID: "instance-a", ServiceName: "orders"}

	batch, err := coord.ProcessWorkBatch(ctx, coordinatorpkg.Request{
		Instance: inst,
		NewInbox: []coordinatorpkg.NewMessage{{
			MessageID:   "cmd-1",
			Destination: "order-handler",
			MessageType: "PlaceOrder",
			StreamID:    "order-1",
			Payload:     []byte(`{}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.Equal(t, "cmd-1", batch.Inbox[0].MessageID)
	assert.Len(t, batch.OwnedPartitions, 16)

	item := batch.Inbox[0]
	batch, err = coord.ProcessWorkBatch(ctx, coordinatorpkg.Request{
		Instance: inst,
		Completions: []coordinatorpkg.Completion{{
			Queue:     item.Queue,
			MessageID: item.MessageID,
			Stages:    item.RequiredStages(),
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox, "completed item must not be redelivered")

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		stored, found, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, "cmd-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, stored.Complete())
		return nil
	})
	require.NoError(t, err)
}
