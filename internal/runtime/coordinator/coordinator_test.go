package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	"github.com/drblury/shardbus/internal/runtime/logging"
	"github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
	"github.com/drblury/shardbus/internal/runtime/store/memory"
)

type harness struct {
	coord *Coordinator
	store *memory.Store

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		store: memory.NewStore(),
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	coord, err := New(h.store, logging.Nop(), opts, nil)
	require.NoError(t, err)
	coord.now = func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	h.coord = coord
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func instanceA() Instance {
	return Instance{ID: "instance-a", ServiceName: "orders", HostName: "host-1", ProcessID: 100}
}

func instanceB() Instance {
	return Instance{ID: "instance-b", ServiceName: "orders", HostName: "host-2", ProcessID: 200}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, logging.Nop(), Options{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)

	_, err = New(memory.NewStore(), nil, Options{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestOptionsDefaults(t *testing.T) {
	h := newHarness(t, Options{})
	opts := h.coord.Options()

	assert.Equal(t, DefaultPartitionCount, opts.PartitionCount)
	assert.Equal(t, DefaultMaxPartitionsPerInstance, opts.MaxPartitionsPerInstance)
	assert.Equal(t, DefaultLeaseDuration, opts.LeaseDuration)
	assert.Equal(t, DefaultStaleThreshold, opts.StaleThreshold)
	assert.Equal(t, DefaultBatchSize, opts.BatchSize)
}

func TestProcessWorkBatchRequiresIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.coord.ProcessWorkBatch(ctx, Request{Instance: Instance{ServiceName: "orders"}})
	assert.ErrorIs(t, err, errspkg.ErrInstanceIDRequired)

	_, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: Instance{ID: "a"}})
	assert.ErrorIs(t, err, errspkg.ErrServiceNameRequired)
}

func TestEnqueueClaimCompleteNeverRedelivered(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16})
	ctx := context.Background()

	// Enqueue m1 for stream s1 and claim it in the same cycle.
	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		NewInbox: []NewMessage{{
			MessageID:   "m1",
			Destination: "order-handler",
			MessageType: "OrderPlaced",
			Payload:     []byte(`{"id":1}`),
			StreamID:    "s1",
		}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.Equal(t, "m1", batch.Inbox[0].MessageID)
	assert.Equal(t, "instance-a", batch.Inbox[0].ClaimedBy)

	// Report completion of all remaining stages.
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		Completions: []Completion{{
			Queue:     storepkg.QueueInbox,
			MessageID: "m1",
			Stages:    status.Set(0).With(status.HandlerProcessed),
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox, "completed item must not be redelivered")

	// Neither to another instance, even after leases expire.
	h.advance(time.Hour)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceB()})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox)
}

func TestInboxIdempotence(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16})
	ctx := context.Background()

	msg := NewMessage{MessageID: "dup-1", Destination: "h", MessageType: "T", StreamID: "s1"}
	_, err := h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA(), NewInbox: []NewMessage{msg, msg}})
	require.NoError(t, err)

	// Redelivery in a later cycle is also a no-op.
	_, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA(), NewInbox: []NewMessage{msg}})
	require.NoError(t, err)

	err = h.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, "dup-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 0, item.Attempts)
		return nil
	})
	require.NoError(t, err)
}

func TestEventAppendedAtomicallyAndOnce(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16})
	ctx := context.Background()

	msg := NewMessage{MessageID: "ev-1", MessageType: "OrderPlaced", StreamID: "s1", IsEvent: true, Payload: []byte(`{}`)}
	_, err := h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA(), NewInbox: []NewMessage{msg, msg}})
	require.NoError(t, err)

	err = h.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		events, err := tx.ReadEvents(ctx, "s1", "", 10)
		require.NoError(t, err)
		require.Len(t, events, 1, "dedup must not append the event twice")
		assert.Equal(t, "ev-1", events[0].EventID)
		assert.EqualValues(t, 1, events[0].Sequence)
		assert.Equal(t, "OrderPlaced", events[0].EventType)

		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, "ev-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, item.Status.Has(status.Stored, status.EventStored))
		return nil
	})
	require.NoError(t, err)
}

func TestCompletionReportingIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16})
	ctx := context.Background()

	_, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance:  instanceA(),
		NewOutbox: []NewMessage{{MessageID: "o1", Destination: "billing", MessageType: "Invoice", StreamID: "s9"}},
	})
	require.NoError(t, err)

	done := Completion{Queue: storepkg.QueueOutbox, MessageID: "o1", Stages: status.Set(0).With(status.Published)}
	for i := 0; i < 3; i++ {
		_, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA(), Completions: []Completion{done}})
		require.NoError(t, err)
	}

	err = h.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueOutbox, "o1")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, item.Complete())
		assert.False(t, item.CompletedAt.IsZero())
		assert.Empty(t, item.ClaimedBy)
		return nil
	})
	require.NoError(t, err)
}

func TestFailureRecordsStagesAndBecomesReclaimable(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16})
	ctx := context.Background()

	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance:  instanceA(),
		NewOutbox: []NewMessage{{MessageID: "o1", Destination: "billing", MessageType: "Invoice", StreamID: "s1"}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Outbox, 1)

	_, err = h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		Failures: []Failure{{
			Queue:     storepkg.QueueOutbox,
			MessageID: "o1",
			Error:     "connection refused",
		}},
	})
	require.NoError(t, err)

	err = h.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueOutbox, "o1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 1, item.Attempts)
		assert.Equal(t, "connection refused", item.Error)
		assert.Equal(t, errspkg.FailureTransient, item.FailureReason)
		assert.True(t, item.Status.Has(status.Failed))
		assert.Empty(t, item.ClaimedBy, "failure must clear the lease")
		assert.False(t, item.ScheduledFor.IsZero(), "failure must schedule a backoff")
		return nil
	})
	require.NoError(t, err)

	// After the backoff the item is claimable again.
	h.advance(time.Minute)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA()})
	require.NoError(t, err)
	require.Len(t, batch.Outbox, 1)
	assert.Equal(t, "o1", batch.Outbox[0].MessageID)
	assert.True(t, batch.Outbox[0].Status.Has(status.Failed), "retry must see prior stage state")
}

func TestCrashedInstanceWorkIsReclaimedAfterLeaseExpiry(t *testing.T) {
	opts := Options{
		PartitionCount:           16,
		MaxPartitionsPerInstance: 16,
		LeaseDuration:            5 * time.Minute,
		StaleThreshold:           10 * time.Minute,
	}
	h := newHarness(t, opts)
	ctx := context.Background()

	// A claims m2 and then crashes: no completions, no more heartbeats.
	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		NewInbox: []NewMessage{{MessageID: "m2", Destination: "h", MessageType: "T", StreamID: "s1"}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)

	// Before the lease expires nobody else can have it.
	h.advance(time.Minute)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceB()})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox, "live lease must exclude other instances")

	// Past the stale threshold A is evicted and its work and partitions are
	// up for grabs.
	h.advance(15 * time.Minute)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceB()})
	require.NoError(t, err)
	assert.Contains(t, batch.EvictedInstances, "instance-a")
	require.Len(t, batch.Inbox, 1, "no item may be lost in the handoff")
	assert.Equal(t, "m2", batch.Inbox[0].MessageID)
	assert.Equal(t, "instance-b", batch.Inbox[0].ClaimedBy)
}

func TestExclusivePartitionOwnership(t *testing.T) {
	opts := Options{PartitionCount: 8, MaxPartitionsPerInstance: 4}
	h := newHarness(t, opts)
	ctx := context.Background()

	batchA, err := h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA()})
	require.NoError(t, err)
	batchB, err := h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceB()})
	require.NoError(t, err)

	assert.Len(t, batchA.OwnedPartitions, 4)
	assert.Len(t, batchB.OwnedPartitions, 4)
	for _, p := range batchB.OwnedPartitions {
		assert.NotContains(t, batchA.OwnedPartitions, p, "partition %d has two owners", p)
	}

	// Renewal keeps assignments stable across cycles.
	again, err := h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA()})
	require.NoError(t, err)
	assert.Equal(t, batchA.OwnedPartitions, again.OwnedPartitions)
}

func TestConcurrentCoordinationNeverOverlaps(t *testing.T) {
	opts := Options{PartitionCount: 32, MaxPartitionsPerInstance: 12, StaleThreshold: time.Hour}
	h := newHarness(t, opts)
	ctx := context.Background()

	const instances = 3
	const cycles = 15

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string][]int)
	)

	wg.Add(instances)
	for i := 0; i < instances; i++ {
		id := fmt.Sprintf("instance-%d", i)
		go func(id string) {
			defer wg.Done()
			for c := 0; c < cycles; c++ {
				batch, err := h.coord.ProcessWorkBatch(ctx, Request{
					Instance: Instance{ID: id, ServiceName: "orders"},
				})
				if err != nil {
					t.Errorf("batch failed for %s: %v", id, err)
					return
				}
				mu.Lock()
				results[id] = batch.OwnedPartitions
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	owners := make(map[int]string)
	for id, partitions := range results {
		for _, p := range partitions {
			if other, taken := owners[p]; taken {
				t.Fatalf("partition %d owned by both %s and %s", p, other, id)
			}
			owners[p] = id
		}
	}
}

func TestPerStreamOrderingAcrossBatches(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16, BatchSize: 2})
	ctx := context.Background()

	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		NewOutbox: []NewMessage{
			{MessageID: "0001", Destination: "d", MessageType: "T", StreamID: "s1"},
			{MessageID: "0002", Destination: "d", MessageType: "T", StreamID: "s1"},
			{MessageID: "0003", Destination: "d", MessageType: "T", StreamID: "s1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, batch.Outbox, 2)
	assert.Equal(t, "0001", batch.Outbox[0].MessageID)
	assert.Equal(t, "0002", batch.Outbox[1].MessageID)

	// The third item stays blocked behind the in-flight head even for the
	// same instance, so nothing can overtake within the stream.
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA()})
	require.NoError(t, err)
	assert.Empty(t, batch.Outbox)

	// Completing the head run releases the rest, still in order.
	published := status.Set(0).With(status.Published)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		Completions: []Completion{
			{Queue: storepkg.QueueOutbox, MessageID: "0001", Stages: published},
			{Queue: storepkg.QueueOutbox, MessageID: "0002", Stages: published},
		},
	})
	require.NoError(t, err)
	require.Len(t, batch.Outbox, 1)
	assert.Equal(t, "0003", batch.Outbox[0].MessageID)
}

func TestFailedHeadBlocksStreamUntilRetried(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16, BatchSize: 1})
	ctx := context.Background()

	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		NewInbox: []NewMessage{
			{MessageID: "0001", Destination: "h", MessageType: "T", StreamID: "s1"},
			{MessageID: "0002", Destination: "h", MessageType: "T", StreamID: "s1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.Equal(t, "0001", batch.Inbox[0].MessageID)

	// The head fails. Its backoff must hold the rest of the stream back, not
	// just hide the head from the claim scan.
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		Failures: []Failure{{Queue: storepkg.QueueInbox, MessageID: "0001", Error: "handler exploded"}},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox, "0002 must not overtake the failed head")

	// Still held while the backoff runs.
	h.advance(time.Second)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA()})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox)

	// Once the backoff passes the head is redelivered first.
	h.advance(10 * time.Second)
	batch, err = h.coord.ProcessWorkBatch(ctx, Request{Instance: instanceA()})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.Equal(t, "0001", batch.Inbox[0].MessageID)
}

func TestLeaseRenewalOnlyForOwner(t *testing.T) {
	opts := Options{PartitionCount: 16, MaxPartitionsPerInstance: 16, LeaseDuration: 5 * time.Minute}
	h := newHarness(t, opts)
	ctx := context.Background()

	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		NewInbox: []NewMessage{{MessageID: "m1", Destination: "h", MessageType: "T", StreamID: "s1"}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	firstLease := batch.Inbox[0].LeaseExpiry

	h.advance(2 * time.Minute)
	_, err = h.coord.ProcessWorkBatch(ctx, Request{
		Instance: instanceA(),
		Renewals: []LeaseRenewal{{Queue: storepkg.QueueInbox, MessageID: "m1"}},
	})
	require.NoError(t, err)

	err = h.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		item, _, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, "m1")
		require.NoError(t, err)
		assert.True(t, item.LeaseExpiry.After(firstLease), "owner renewal must extend the lease")
		return nil
	})
	require.NoError(t, err)
}

func TestMessagesWithoutStreamRouteToPartitionZero(t *testing.T) {
	h := newHarness(t, Options{PartitionCount: 16, MaxPartitionsPerInstance: 16})
	ctx := context.Background()

	batch, err := h.coord.ProcessWorkBatch(ctx, Request{
		Instance:  instanceA(),
		NewOutbox: []NewMessage{{Destination: "d", MessageType: "T"}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Outbox, 1)
	assert.Equal(t, 0, batch.Outbox[0].Partition)
	assert.NotEmpty(t, batch.Outbox[0].MessageID, "a ULID must be minted when no id is supplied")
}
