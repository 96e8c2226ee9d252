// Package coordinator implements the atomic work-batch operation that lets any
// number of service instances cooperate through a shared store without a lock
// service. One call heartbeats the instance, evicts the dead, applies reported
// completions and failures, stores new messages, renews leases, claims
// partitions, and hands back the next batch of claimed work, all inside a
// single store transaction, so other callers observe either none or all of it.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	idspkg "github.com/drblury/shardbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/shardbus/internal/runtime/logging"
	partitionpkg "github.com/drblury/shardbus/internal/runtime/partition"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

const (
	// DefaultPartitionCount is the default size of the partition keyspace.
	DefaultPartitionCount = 10000
	// DefaultMaxPartitionsPerInstance caps how many partitions one instance claims.
	DefaultMaxPartitionsPerInstance = 100
	// DefaultLeaseDuration is how long a work-item or partition lease lives
	// without renewal.
	DefaultLeaseDuration = 300 * time.Second
	// DefaultStaleThreshold is the heartbeat age after which an instance is
	// treated as dead.
	DefaultStaleThreshold = 600 * time.Second
	// DefaultBatchSize is the number of work items returned per queue per call.
	DefaultBatchSize = 100

	// maxFailureBackoffShift caps the exponential retry delay at 2^8 seconds.
	maxFailureBackoffShift = 8
)

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	PartitionCount           int
	MaxPartitionsPerInstance int
	LeaseDuration            time.Duration
	StaleThreshold           time.Duration
	BatchSize                int
}

func (o Options) withDefaults() Options {
	if o.PartitionCount <= 0 {
		o.PartitionCount = DefaultPartitionCount
	}
	if o.MaxPartitionsPerInstance <= 0 {
		o.MaxPartitionsPerInstance = DefaultMaxPartitionsPerInstance
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = DefaultStaleThreshold
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Instance identifies the calling service process.
type Instance struct {
	ID          string
	ServiceName string
	HostName    string
	ProcessID   int
	Metadata    map[string]string
}

// Completion reports stages that succeeded for a previously claimed item.
// Re-reporting the same stages is harmless: stage bits OR together.
type Completion struct {
	Queue     storepkg.Queue
	MessageID string
	Stages    statuspkg.Set
}

// Failure reports a failed attempt, carrying whatever stages did succeed so a
// retry resumes instead of redoing them.
type Failure struct {
	Queue           storepkg.Queue
	MessageID       string
	CompletedStages statuspkg.Set
	Error           string
	// Reason classifies the failure. Empty means transient.
	Reason errspkg.FailureReason
}

// NewMessage is a message to stage in the outbox or inbox.
type NewMessage struct {
	// MessageID is optional; a ULID is minted when empty. Inbox ids are the
	// dedup key, so transports must pass the original id through.
	MessageID    string
	Destination  string
	MessageType  string
	Payload      []byte
	Metadata     map[string]string
	Scope        string
	StreamID     string
	IsEvent      bool
	ScheduledFor time.Time
}

// LeaseRenewal names a claimed item whose lease should be extended.
type LeaseRenewal struct {
	Queue     storepkg.Queue
	MessageID string
}

// Request is everything one coordination cycle brings to the store.
type Request struct {
	Instance    Instance
	Completions []Completion
	Failures    []Failure
	NewOutbox   []NewMessage
	NewInbox    []NewMessage
	Renewals    []LeaseRenewal
}

// Batch is the work handed back to the calling instance. Every returned item
// is already leased to the caller; no other instance can receive it until the
// lease expires. Items are ordered by (StreamID, MessageID), which is
// submission order within a stream.
type Batch struct {
	Outbox           []storepkg.WorkItem
	Inbox            []storepkg.WorkItem
	OwnedPartitions  []int
	EvictedInstances []string
}

// Coordinator runs ProcessWorkBatch against a Store.
type Coordinator struct {
	store   storepkg.Store
	logger  loggingpkg.ServiceLogger
	opts    Options
	metrics *Metrics

	now func() time.Time
}

// New creates a Coordinator. Metrics may be nil to disable instrumentation.
func New(st storepkg.Store, log loggingpkg.ServiceLogger, opts Options, metrics *Metrics) (*Coordinator, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Coordinator{
		store:   st,
		logger:  log,
		opts:    opts.withDefaults(),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Options returns the effective tunables after defaulting.
func (c *Coordinator) Options() Options {
	return c.opts
}

// ProcessWorkBatch executes one coordination cycle. The whole call either
// commits or leaves no trace; on error the caller retries the entire call.
func (c *Coordinator) ProcessWorkBatch(ctx context.Context, req Request) (Batch, error) {
	if req.Instance.ID == "" {
		return Batch{}, errspkg.ErrInstanceIDRequired
	}
	if req.Instance.ServiceName == "" {
		return Batch{}, errspkg.ErrServiceNameRequired
	}

	tracer := otel.Tracer("shardbus-coordinator")
	ctx, span := tracer.Start(ctx, "ProcessWorkBatch", trace.WithAttributes(
		attribute.String("instance.id", req.Instance.ID),
		attribute.String("instance.service", req.Instance.ServiceName),
		attribute.Int("request.completions", len(req.Completions)),
		attribute.Int("request.failures", len(req.Failures)),
		attribute.Int("request.new_messages", len(req.NewOutbox)+len(req.NewInbox)),
	))
	defer span.End()

	started := c.now()
	var batch Batch
	err := c.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		var err error
		batch, err = c.processTx(ctx, tx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Error("work batch failed", err, loggingpkg.LogFields{
			"instance_id": req.Instance.ID,
		})
		return Batch{}, err
	}

	c.metrics.observeBatch(c.now().Sub(started), req, batch)
	c.logger.Debug("work batch processed", loggingpkg.LogFields{
		"instance_id":    req.Instance.ID,
		"partitions":     len(batch.OwnedPartitions),
		"outbox_claimed": len(batch.Outbox),
		"inbox_claimed":  len(batch.Inbox),
		"evicted":        len(batch.EvictedInstances),
	})
	return batch, nil
}

func (c *Coordinator) processTx(ctx context.Context, tx storepkg.Tx, req Request) (Batch, error) {
	now := c.now().UTC()

	// 1. Heartbeat.
	inst := storepkg.ServiceInstance{
		ID:              req.Instance.ID,
		ServiceName:     req.Instance.ServiceName,
		HostName:        req.Instance.HostName,
		ProcessID:       req.Instance.ProcessID,
		StartedAt:       now,
		LastHeartbeatAt: now,
		Metadata:        req.Instance.Metadata,
	}
	if err := tx.UpsertInstance(ctx, inst); err != nil {
		return Batch{}, fmt.Errorf("upsert instance: %w", err)
	}

	// 2. Evict the dead. Heartbeat age is the sole failure detector.
	evicted, err := tx.EvictStaleInstances(ctx, now.Add(-c.opts.StaleThreshold))
	if err != nil {
		return Batch{}, fmt.Errorf("evict stale instances: %w", err)
	}

	// 3. Completions.
	for _, comp := range req.Completions {
		if err := c.applyCompletion(ctx, tx, comp, now); err != nil {
			return Batch{}, fmt.Errorf("apply completion %s: %w", comp.MessageID, err)
		}
	}

	// 4. Failures.
	for _, fail := range req.Failures {
		if err := c.applyFailure(ctx, tx, fail, now); err != nil {
			return Batch{}, fmt.Errorf("apply failure %s: %w", fail.MessageID, err)
		}
	}

	// 5. New messages, events appended in the same transaction.
	for _, msg := range req.NewOutbox {
		if err := c.storeMessage(ctx, tx, msg, storepkg.QueueOutbox, now); err != nil {
			return Batch{}, fmt.Errorf("store outbox message: %w", err)
		}
	}
	for _, msg := range req.NewInbox {
		if err := c.storeMessage(ctx, tx, msg, storepkg.QueueInbox, now); err != nil {
			return Batch{}, fmt.Errorf("store inbox message: %w", err)
		}
	}

	// 6. Lease renewals.
	leaseUntil := now.Add(c.opts.LeaseDuration)
	if err := c.renewLeases(ctx, tx, req, leaseUntil); err != nil {
		return Batch{}, err
	}

	// 7. Partition claims, renewals first for stability.
	owned, err := c.claimPartitions(ctx, tx, req.Instance.ID, now)
	if err != nil {
		return Batch{}, err
	}

	// 8. Claim and return work from the owned partitions.
	outbox, err := c.claimWork(ctx, tx, storepkg.QueueOutbox, owned, req.Instance.ID, now, leaseUntil)
	if err != nil {
		return Batch{}, err
	}
	inbox, err := c.claimWork(ctx, tx, storepkg.QueueInbox, owned, req.Instance.ID, now, leaseUntil)
	if err != nil {
		return Batch{}, err
	}

	return Batch{
		Outbox:           outbox,
		Inbox:            inbox,
		OwnedPartitions:  owned,
		EvictedInstances: evicted,
	}, nil
}

func (c *Coordinator) applyCompletion(ctx context.Context, tx storepkg.Tx, comp Completion, now time.Time) error {
	item, found, err := tx.GetWorkItem(ctx, comp.Queue, comp.MessageID)
	if err != nil {
		return err
	}
	if !found {
		// Completion for an unknown id: nothing to do. Likely a replay of a
		// report whose item was purged externally.
		return nil
	}

	item.Status = item.Status.Merge(comp.Stages).Without(statuspkg.Failed)
	item.Error = ""
	item.FailureReason = ""
	if item.Complete() {
		item.CompletedAt = now
		item.ClaimedBy = ""
		item.LeaseExpiry = time.Time{}
	}
	return tx.UpdateWorkItem(ctx, item)
}

func (c *Coordinator) applyFailure(ctx context.Context, tx storepkg.Tx, fail Failure, now time.Time) error {
	item, found, err := tx.GetWorkItem(ctx, fail.Queue, fail.MessageID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	reason := fail.Reason
	if reason == "" {
		reason = errspkg.FailureTransient
	}

	item.Status = item.Status.Merge(fail.CompletedStages).With(statuspkg.Failed)
	item.Attempts++
	item.Error = fail.Error
	item.FailureReason = reason
	// Clearing the lease makes the item reclaimable; the backoff defers it
	// so a hot failure does not spin. While it waits, the claim scan still
	// sees it and holds the rest of its stream back.
	item.ClaimedBy = ""
	item.LeaseExpiry = time.Time{}
	shift := item.Attempts
	if shift > maxFailureBackoffShift {
		shift = maxFailureBackoffShift
	}
	item.ScheduledFor = now.Add(time.Duration(1<<shift) * time.Second)
	return tx.UpdateWorkItem(ctx, item)
}

func (c *Coordinator) storeMessage(ctx context.Context, tx storepkg.Tx, msg NewMessage, q storepkg.Queue, now time.Time) error {
	id := msg.MessageID
	if id == "" {
		id = idspkg.CreateULID()
	}

	part, err := partitionpkg.SelectPartition(msg.StreamID, c.opts.PartitionCount)
	if err != nil {
		return err
	}

	appendEvent := msg.IsEvent && msg.StreamID != ""
	itemStatus := statuspkg.Set(0).With(statuspkg.Stored)
	if appendEvent {
		itemStatus = itemStatus.With(statuspkg.EventStored)
	}

	item := storepkg.WorkItem{
		MessageID:    id,
		Queue:        q,
		Destination:  msg.Destination,
		MessageType:  msg.MessageType,
		Payload:      msg.Payload,
		Metadata:     msg.Metadata,
		Scope:        msg.Scope,
		StreamID:     msg.StreamID,
		Partition:    part,
		IsEvent:      msg.IsEvent,
		Status:       itemStatus,
		ScheduledFor: msg.ScheduledFor,
		CreatedAt:    now,
	}

	inserted, err := tx.InsertWorkItem(ctx, item)
	if err != nil {
		return err
	}
	if !inserted {
		// Inbox dedup hit: the first delivery already stored the row and
		// appended the event. At-least-once transports land here a lot.
		return nil
	}

	if appendEvent {
		latest, err := tx.LatestSequence(ctx, msg.StreamID)
		if err != nil {
			return err
		}
		ev := storepkg.EventRecord{
			EventID:   id,
			StreamID:  msg.StreamID,
			Sequence:  latest + 1,
			EventType: msg.MessageType,
			Payload:   msg.Payload,
			Metadata:  msg.Metadata,
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) renewLeases(ctx context.Context, tx storepkg.Tx, req Request, until time.Time) error {
	byQueue := map[storepkg.Queue][]string{}
	for _, r := range req.Renewals {
		byQueue[r.Queue] = append(byQueue[r.Queue], r.MessageID)
	}
	for q, ids := range byQueue {
		if err := tx.RenewLeases(ctx, q, req.Instance.ID, ids, until); err != nil {
			return fmt.Errorf("renew %s leases: %w", q, err)
		}
	}
	return nil
}

func (c *Coordinator) claimPartitions(ctx context.Context, tx storepkg.Tx, instanceID string, now time.Time) ([]int, error) {
	owners, err := tx.AssignedPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	var owned []int
	for p, owner := range owners {
		if owner != instanceID {
			continue
		}
		owned = append(owned, p)
		if err := tx.UpsertAssignment(ctx, storepkg.PartitionAssignment{
			Partition:     p,
			InstanceID:    instanceID,
			LastHeartbeat: now,
		}); err != nil {
			return nil, fmt.Errorf("renew partition %d: %w", p, err)
		}
	}

	// Acquire unowned partitions only after renewing what we have. Stale
	// owners are already gone: eviction removed their assignments, so a
	// missing row is the only form an orphaned partition takes.
	for p := 0; p < c.opts.PartitionCount && len(owned) < c.opts.MaxPartitionsPerInstance; p++ {
		if _, taken := owners[p]; taken {
			continue
		}
		if err := tx.UpsertAssignment(ctx, storepkg.PartitionAssignment{
			Partition:     p,
			InstanceID:    instanceID,
			AssignedAt:    now,
			LastHeartbeat: now,
		}); err != nil {
			return nil, fmt.Errorf("claim partition %d: %w", p, err)
		}
		owned = append(owned, p)
	}

	sort.Ints(owned)
	return owned, nil
}

// claimWork selects the next batch for one queue, respecting per-stream
// ordering: the moment a stream's next item is not claimable (someone holds a
// live lease on it, including this instance's own in-flight items, or it is
// waiting out a retry backoff), the rest of that stream is skipped so nothing
// is delivered out of order.
func (c *Coordinator) claimWork(ctx context.Context, tx storepkg.Tx, q storepkg.Queue, partitions []int, instanceID string, now, leaseUntil time.Time) ([]storepkg.WorkItem, error) {
	if len(partitions) == 0 {
		return nil, nil
	}

	// Over-scan so streams blocked by in-flight heads do not starve the batch.
	scan, err := tx.ScanWork(ctx, q, partitions, c.opts.BatchSize*4)
	if err != nil {
		return nil, fmt.Errorf("scan %s work: %w", q, err)
	}

	blocked := map[string]bool{}
	var (
		claimed []storepkg.WorkItem
		ids     []string
	)
	for _, item := range scan {
		if len(claimed) >= c.opts.BatchSize {
			break
		}
		if item.StreamID != "" && blocked[item.StreamID] {
			continue
		}
		if item.Claimed(now) || item.Deferred(now) {
			if item.StreamID != "" {
				blocked[item.StreamID] = true
			}
			continue
		}

		item.ClaimedBy = instanceID
		item.LeaseExpiry = leaseUntil
		claimed = append(claimed, item)
		ids = append(ids, item.MessageID)
	}

	if len(ids) > 0 {
		if err := tx.ClaimWorkItems(ctx, q, ids, instanceID, leaseUntil); err != nil {
			return nil, fmt.Errorf("claim %s work: %w", q, err)
		}
	}
	return claimed, nil
}
