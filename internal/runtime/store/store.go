// Package store defines the persisted data model and the transactional store
// contract the shardbus runtime coordinates through. All shared mutable state
// (instances, partition assignments, work items, events, checkpoints) lives
// behind the Store interface; adapters back it with PostgreSQL, SQLite, or an
// in-memory snapshot store for tests.
package store

import (
	"context"
	"time"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	"github.com/drblury/shardbus/internal/runtime/status"
)

// Queue distinguishes the two work-item staging tables.
type Queue string

const (
	// QueueOutbox stages messages this service wants delivered elsewhere.
	QueueOutbox Queue = "outbox"
	// QueueInbox stages messages received for local handling, deduplicated
	// by message id.
	QueueInbox Queue = "inbox"
)

// ServiceInstance is one registered service process. Heartbeats keep it
// alive; an instance whose heartbeat goes stale is evicted together with its
// partition assignments.
type ServiceInstance struct {
	ID              string
	ServiceName     string
	HostName        string
	ProcessID       int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Metadata        map[string]string
}

// PartitionAssignment records the single live owner of one partition.
type PartitionAssignment struct {
	Partition     int
	InstanceID    string
	AssignedAt    time.Time
	LastHeartbeat time.Time
}

// WorkItem is one row of the inbox or outbox. MessageID is a ULID, so the
// lexicographic order of ids within a stream is the submission order.
type WorkItem struct {
	MessageID   string
	Queue       Queue
	Destination string // outbox destination, or inbox handler name
	MessageType string
	Payload     []byte
	Metadata    map[string]string
	Scope       string
	StreamID    string
	Partition   int
	IsEvent     bool

	Status        status.Set
	Attempts      int
	Error         string
	FailureReason errspkg.FailureReason

	ClaimedBy   string
	LeaseExpiry time.Time // zero when unclaimed

	ScheduledFor time.Time // zero means immediately visible
	CreatedAt    time.Time
	CompletedAt  time.Time // zero until terminally complete
}

// RequiredStages returns the stage set this item needs before it is terminal.
func (w WorkItem) RequiredStages() status.Set {
	return status.Required(w.Queue == QueueInbox, w.IsEvent)
}

// Complete reports whether every required stage has been recorded.
func (w WorkItem) Complete() bool {
	return w.Status.Covers(w.RequiredStages())
}

// Claimed reports whether the item holds a live lease at the given instant.
func (w WorkItem) Claimed(now time.Time) bool {
	return w.ClaimedBy != "" && w.LeaseExpiry.After(now)
}

// Deferred reports whether the item is waiting out a retry backoff at the
// given instant.
func (w WorkItem) Deferred(now time.Time) bool {
	return !w.ScheduledFor.IsZero() && w.ScheduledFor.After(now)
}

// EventRecord is one append-only event. (StreamID, Sequence) is unique; a
// concurrent append at a taken sequence fails with ErrSequenceConflict.
// Records are never mutated or deleted.
type EventRecord struct {
	EventID   string // ULID; storage sort order equals chronological order
	StreamID  string
	Sequence  int64
	EventType string
	Payload   []byte
	Metadata  map[string]string
	CreatedAt time.Time
}

// CheckpointStatus tracks where a (stream, perspective) pair sits in the
// replay state machine. There is no terminal "completed" state; replay
// resumes whenever new events arrive.
type CheckpointStatus string

const (
	CheckpointApplying     CheckpointStatus = "applying"
	CheckpointCheckpointed CheckpointStatus = "checkpointed"
	CheckpointFailed       CheckpointStatus = "failed"
)

// Checkpoint is the durable marker of the last event folded into a
// perspective for one stream. A failure keeps the last good checkpoint and
// records the error, so retry replays only the gap.
type Checkpoint struct {
	StreamID    string
	Perspective string
	LastEventID string
	Status      CheckpointStatus
	ProcessedAt time.Time
	Error       string
}

// Tx is the set of operations available inside one store transaction. The
// coordinator composes these into its single atomic batch; the replay engine
// uses the checkpoint and model operations. Implementations must make every
// effect of the enclosing Within call visible atomically or not at all.
type Tx interface {
	// UpsertInstance registers the instance or refreshes its heartbeat.
	UpsertInstance(ctx context.Context, inst ServiceInstance) error
	// EvictStaleInstances removes every instance whose heartbeat is older
	// than cutoff, along with its partition assignments, and returns the
	// evicted ids.
	EvictStaleInstances(ctx context.Context, cutoff time.Time) ([]string, error)

	// AssignedPartitions returns the current partition -> owner mapping.
	AssignedPartitions(ctx context.Context) (map[int]string, error)
	// UpsertAssignment records or refreshes a partition assignment.
	UpsertAssignment(ctx context.Context, pa PartitionAssignment) error

	// InsertWorkItem stores a new item. For the inbox a duplicate MessageID
	// is a silent no-op and returns false; for the outbox inserts are
	// unconditional.
	InsertWorkItem(ctx context.Context, item WorkItem) (bool, error)
	// GetWorkItem fetches one item by queue and message id.
	GetWorkItem(ctx context.Context, q Queue, messageID string) (WorkItem, bool, error)
	// UpdateWorkItem overwrites the mutable fields of an existing item.
	UpdateWorkItem(ctx context.Context, item WorkItem) error
	// RenewLeases extends the lease on the given items to until, only where
	// the lease is still held by instanceID.
	RenewLeases(ctx context.Context, q Queue, instanceID string, messageIDs []string, until time.Time) error
	// ScanWork returns non-terminal items in the given partitions, ordered
	// by (StreamID, MessageID) ascending. Claimed and backoff-deferred items
	// are returned alongside claimable ones: the caller decides what is
	// claimable, and needs to see blocked stream heads to keep per-stream
	// order.
	ScanWork(ctx context.Context, q Queue, partitions []int, limit int) ([]WorkItem, error)
	// ClaimWorkItems leases the given items to instanceID until the given
	// deadline.
	ClaimWorkItems(ctx context.Context, q Queue, messageIDs []string, instanceID string, until time.Time) error

	// LatestSequence returns the highest sequence appended to the stream, or
	// zero for an empty stream.
	LatestSequence(ctx context.Context, streamID string) (int64, error)
	// AppendEvent appends one event. Returns ErrSequenceConflict when
	// (StreamID, Sequence) already exists.
	AppendEvent(ctx context.Context, ev EventRecord) error
	// ReadEvents returns events of one stream with ids greater than
	// afterEventID (empty reads from the start), in sequence order.
	ReadEvents(ctx context.Context, streamID, afterEventID string, limit int) ([]EventRecord, error)

	// GetCheckpoint fetches the checkpoint for a (stream, perspective) pair.
	GetCheckpoint(ctx context.Context, streamID, perspective string) (Checkpoint, bool, error)
	// PutCheckpoint creates or replaces a checkpoint.
	PutCheckpoint(ctx context.Context, cp Checkpoint) error

	// GetModel loads the materialized model for a (perspective, stream).
	GetModel(ctx context.Context, perspective, streamID string) ([]byte, bool, error)
	// PutModel stores the materialized model for a (perspective, stream).
	PutModel(ctx context.Context, perspective, streamID string, model []byte) error
	// DeleteModel retires the materialized model for a (perspective, stream).
	DeleteModel(ctx context.Context, perspective, streamID string) error
}

// Store provides transactional access to the shared state.
type Store interface {
	// Within runs fn inside one transaction. If fn returns an error, or ctx
	// is cancelled before the commit point, nothing is applied.
	Within(ctx context.Context, fn func(context.Context, Tx) error) error
	Close() error
}
