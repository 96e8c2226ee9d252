// Package postgres backs the store contract with PostgreSQL. Every Within
// call maps to one database transaction, so the coordinator's batch keeps its
// all-or-nothing semantics across process boundaries.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	"github.com/drblury/shardbus/internal/runtime/jsoncodec"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shardbus_instances (
		id                TEXT PRIMARY KEY,
		service_name      TEXT NOT NULL,
		host_name         TEXT NOT NULL DEFAULT '',
		process_id        INTEGER NOT NULL DEFAULT 0,
		started_at        TIMESTAMPTZ NOT NULL,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		metadata          JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS shardbus_assignments (
		partition_id   INTEGER PRIMARY KEY,
		instance_id    TEXT NOT NULL,
		assigned_at    TIMESTAMPTZ NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shardbus_work_items (
		queue          TEXT NOT NULL,
		message_id     TEXT NOT NULL,
		destination    TEXT NOT NULL DEFAULT '',
		message_type   TEXT NOT NULL DEFAULT '',
		payload        BYTEA,
		metadata       JSONB,
		scope          TEXT NOT NULL DEFAULT '',
		stream_id      TEXT NOT NULL DEFAULT '',
		partition_id   INTEGER NOT NULL DEFAULT 0,
		is_event       BOOLEAN NOT NULL DEFAULT FALSE,
		status         INTEGER NOT NULL DEFAULT 0,
		attempts       INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		claimed_by     TEXT NOT NULL DEFAULT '',
		lease_expiry   TIMESTAMPTZ,
		scheduled_for  TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL,
		completed_at   TIMESTAMPTZ,
		PRIMARY KEY (queue, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS shardbus_work_items_scan
		ON shardbus_work_items (queue, partition_id, stream_id, message_id)
		WHERE completed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS shardbus_events (
		event_id   TEXT PRIMARY KEY,
		stream_id  TEXT NOT NULL,
		sequence   BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload    BYTEA,
		metadata   JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (stream_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS shardbus_events_stream
		ON shardbus_events (stream_id, sequence)`,
	`CREATE TABLE IF NOT EXISTS shardbus_checkpoints (
		stream_id     TEXT NOT NULL,
		perspective   TEXT NOT NULL,
		last_event_id TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		processed_at  TIMESTAMPTZ NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (stream_id, perspective)
	)`,
	`CREATE TABLE IF NOT EXISTS shardbus_models (
		perspective TEXT NOT NULL,
		stream_id   TEXT NOT NULL,
		model       BYTEA NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (perspective, stream_id)
	)`,
}

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Open connects to the given PostgreSQL URL and bootstraps the schema.
func Open(ctx context.Context, postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection pool and bootstraps the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errspkg.ErrStoreRequired
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Within runs fn in one database transaction. A cancelled ctx before the
// commit point rolls everything back.
func (s *Store) Within(ctx context.Context, fn func(context.Context, storepkg.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, &tx{tx: dbTx}); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

type tx struct {
	tx *sql.Tx
}

func (t *tx) UpsertInstance(ctx context.Context, inst storepkg.ServiceInstance) error {
	metadata, err := encodeMeta(inst.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO shardbus_instances
			(id, service_name, host_name, process_id, started_at, last_heartbeat_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			service_name      = EXCLUDED.service_name,
			host_name         = EXCLUDED.host_name,
			process_id        = EXCLUDED.process_id,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			metadata          = EXCLUDED.metadata`,
		inst.ID, inst.ServiceName, inst.HostName, inst.ProcessID,
		inst.StartedAt, inst.LastHeartbeatAt, metadata)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

func (t *tx) EvictStaleInstances(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		DELETE FROM shardbus_instances
		WHERE last_heartbeat_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("evict stale instances: %w", err)
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		evicted = append(evicted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(evicted) == 0 {
		return nil, nil
	}

	// An evicted instance releases its partitions in the same transaction.
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM shardbus_assignments
		WHERE instance_id = ANY($1)`, pq.Array(evicted)); err != nil {
		return nil, fmt.Errorf("release partitions of evicted instances: %w", err)
	}
	return evicted, nil
}

func (t *tx) AssignedPartitions(ctx context.Context) (map[int]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT partition_id, instance_id FROM shardbus_assignments`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	assigned := make(map[int]string)
	for rows.Next() {
		var (
			partition  int
			instanceID string
		)
		if err := rows.Scan(&partition, &instanceID); err != nil {
			return nil, err
		}
		assigned[partition] = instanceID
	}
	return assigned, rows.Err()
}

func (t *tx) UpsertAssignment(ctx context.Context, pa storepkg.PartitionAssignment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shardbus_assignments (partition_id, instance_id, assigned_at, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (partition_id) DO UPDATE SET
			instance_id    = EXCLUDED.instance_id,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		pa.Partition, pa.InstanceID, pa.AssignedAt, pa.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

const workItemColumns = `queue, message_id, destination, message_type, payload, metadata,
	scope, stream_id, partition_id, is_event, status, attempts, error, failure_reason,
	claimed_by, lease_expiry, scheduled_for, created_at, completed_at`

func (t *tx) InsertWorkItem(ctx context.Context, item storepkg.WorkItem) (bool, error) {
	metadata, err := encodeMeta(item.Metadata)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO shardbus_work_items (` + workItemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	if item.Queue == storepkg.QueueInbox {
		// Inbox deduplication: a replayed message id is a silent no-op.
		query += ` ON CONFLICT (queue, message_id) DO NOTHING`
	}

	res, err := t.tx.ExecContext(ctx, query,
		item.Queue, item.MessageID, item.Destination, item.MessageType, item.Payload, metadata,
		item.Scope, item.StreamID, item.Partition, item.IsEvent,
		int64(item.Status), item.Attempts, item.Error, string(item.FailureReason),
		item.ClaimedBy, nullTime(item.LeaseExpiry), nullTime(item.ScheduledFor),
		item.CreatedAt, nullTime(item.CompletedAt))
	if err != nil {
		return false, fmt.Errorf("insert work item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *tx) GetWorkItem(ctx context.Context, q storepkg.Queue, messageID string) (storepkg.WorkItem, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM shardbus_work_items
		WHERE queue = $1 AND message_id = $2`, q, messageID)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return storepkg.WorkItem{}, false, nil
	}
	if err != nil {
		return storepkg.WorkItem{}, false, fmt.Errorf("get work item: %w", err)
	}
	return item, true, nil
}

func (t *tx) UpdateWorkItem(ctx context.Context, item storepkg.WorkItem) error {
	metadata, err := encodeMeta(item.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE shardbus_work_items SET
			destination = $3, message_type = $4, payload = $5, metadata = $6,
			scope = $7, stream_id = $8, partition_id = $9, is_event = $10,
			status = $11, attempts = $12, error = $13, failure_reason = $14,
			claimed_by = $15, lease_expiry = $16, scheduled_for = $17, completed_at = $18
		WHERE queue = $1 AND message_id = $2`,
		item.Queue, item.MessageID, item.Destination, item.MessageType, item.Payload, metadata,
		item.Scope, item.StreamID, item.Partition, item.IsEvent,
		int64(item.Status), item.Attempts, item.Error, string(item.FailureReason),
		item.ClaimedBy, nullTime(item.LeaseExpiry), nullTime(item.ScheduledFor),
		nullTime(item.CompletedAt))
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	return nil
}

func (t *tx) RenewLeases(ctx context.Context, q storepkg.Queue, instanceID string, messageIDs []string, until time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE shardbus_work_items
		SET lease_expiry = $1
		WHERE queue = $2 AND claimed_by = $3 AND message_id = ANY($4)`,
		until, q, instanceID, pq.Array(messageIDs))
	if err != nil {
		return fmt.Errorf("renew leases: %w", err)
	}
	return nil
}

func (t *tx) ScanWork(ctx context.Context, q storepkg.Queue, partitions []int, limit int) ([]storepkg.WorkItem, error) {
	if len(partitions) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+workItemColumns+`
		FROM shardbus_work_items
		WHERE queue = $1
		  AND partition_id = ANY($2)
		  AND completed_at IS NULL
		ORDER BY stream_id, message_id
		LIMIT $3`, q, pq.Array(partitions), limit)
	if err != nil {
		return nil, fmt.Errorf("scan work: %w", err)
	}
	defer rows.Close()

	var items []storepkg.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *tx) ClaimWorkItems(ctx context.Context, q storepkg.Queue, messageIDs []string, instanceID string, until time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE shardbus_work_items
		SET claimed_by = $1, lease_expiry = $2
		WHERE queue = $3 AND message_id = ANY($4)`,
		instanceID, until, q, pq.Array(messageIDs))
	if err != nil {
		return fmt.Errorf("claim work items: %w", err)
	}
	return nil
}

func (t *tx) LatestSequence(ctx context.Context, streamID string) (int64, error) {
	var latest int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM shardbus_events
		WHERE stream_id = $1`, streamID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return latest, nil
}

func (t *tx) AppendEvent(ctx context.Context, ev storepkg.EventRecord) error {
	metadata, err := encodeMeta(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO shardbus_events
			(event_id, stream_id, sequence, event_type, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.EventID, ev.StreamID, ev.Sequence, ev.EventType, ev.Payload, metadata, ev.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return errspkg.ErrSequenceConflict
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (t *tx) ReadEvents(ctx context.Context, streamID, afterEventID string, limit int) ([]storepkg.EventRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT event_id, stream_id, sequence, event_type, payload, metadata, created_at
		FROM shardbus_events
		WHERE stream_id = $1
		  AND sequence > COALESCE(
			(SELECT sequence FROM shardbus_events WHERE stream_id = $1 AND event_id = $2), 0)
		ORDER BY sequence
		LIMIT $3`, streamID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []storepkg.EventRecord
	for rows.Next() {
		var (
			ev       storepkg.EventRecord
			metadata []byte
		)
		if err := rows.Scan(&ev.EventID, &ev.StreamID, &ev.Sequence, &ev.EventType,
			&ev.Payload, &metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if ev.Metadata, err = decodeMeta(metadata); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (t *tx) GetCheckpoint(ctx context.Context, streamID, perspective string) (storepkg.Checkpoint, bool, error) {
	var (
		cp     storepkg.Checkpoint
		status string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT stream_id, perspective, last_event_id, status, processed_at, error
		FROM shardbus_checkpoints
		WHERE stream_id = $1 AND perspective = $2`, streamID, perspective).
		Scan(&cp.StreamID, &cp.Perspective, &cp.LastEventID, &status, &cp.ProcessedAt, &cp.Error)
	if err == sql.ErrNoRows {
		return storepkg.Checkpoint{}, false, nil
	}
	if err != nil {
		return storepkg.Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Status = storepkg.CheckpointStatus(status)
	return cp, true, nil
}

func (t *tx) PutCheckpoint(ctx context.Context, cp storepkg.Checkpoint) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shardbus_checkpoints
			(stream_id, perspective, last_event_id, status, processed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stream_id, perspective) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			status        = EXCLUDED.status,
			processed_at  = EXCLUDED.processed_at,
			error         = EXCLUDED.error`,
		cp.StreamID, cp.Perspective, cp.LastEventID, string(cp.Status), cp.ProcessedAt, cp.Error)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (t *tx) GetModel(ctx context.Context, perspective, streamID string) ([]byte, bool, error) {
	var model []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT model FROM shardbus_models
		WHERE perspective = $1 AND stream_id = $2`, perspective, streamID).Scan(&model)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get model: %w", err)
	}
	return model, true, nil
}

func (t *tx) PutModel(ctx context.Context, perspective, streamID string, model []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shardbus_models (perspective, stream_id, model, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (perspective, stream_id) DO UPDATE SET
			model      = EXCLUDED.model,
			updated_at = NOW()`,
		perspective, streamID, model)
	if err != nil {
		return fmt.Errorf("put model: %w", err)
	}
	return nil
}

func (t *tx) DeleteModel(ctx context.Context, perspective, streamID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM shardbus_models
		WHERE perspective = $1 AND stream_id = $2`, perspective, streamID)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (storepkg.WorkItem, error) {
	var (
		item          storepkg.WorkItem
		queue         string
		metadata      []byte
		rawStatus     int64
		failureReason string
		leaseExpiry   sql.NullTime
		scheduledFor  sql.NullTime
		completedAt   sql.NullTime
	)
	err := row.Scan(&queue, &item.MessageID, &item.Destination, &item.MessageType,
		&item.Payload, &metadata, &item.Scope, &item.StreamID, &item.Partition,
		&item.IsEvent, &rawStatus, &item.Attempts, &item.Error, &failureReason,
		&item.ClaimedBy, &leaseExpiry, &scheduledFor, &item.CreatedAt, &completedAt)
	if err != nil {
		return storepkg.WorkItem{}, err
	}
	item.Queue = storepkg.Queue(queue)
	item.Status = statuspkg.Set(rawStatus)
	item.FailureReason = errspkg.FailureReason(failureReason)
	item.LeaseExpiry = timeOf(leaseExpiry)
	item.ScheduledFor = timeOf(scheduledFor)
	item.CompletedAt = timeOf(completedAt)
	if item.Metadata, err = decodeMeta(metadata); err != nil {
		return storepkg.WorkItem{}, err
	}
	return item, nil
}

func encodeMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := jsoncodec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := jsoncodec.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOf(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}
