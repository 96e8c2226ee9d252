// Package sqlite backs the store contract with SQLite. It mirrors the
// postgres adapter statement for statement, so a single-node deployment and
// tests run against the same transactional semantics without a server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	"github.com/drblury/shardbus/internal/runtime/jsoncodec"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shardbus_instances (
		id                TEXT PRIMARY KEY,
		service_name      TEXT NOT NULL,
		host_name         TEXT NOT NULL DEFAULT '',
		process_id        INTEGER NOT NULL DEFAULT 0,
		started_at        TIMESTAMP NOT NULL,
		last_heartbeat_at TIMESTAMP NOT NULL,
		metadata          BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS shardbus_assignments (
		partition_id   INTEGER PRIMARY KEY,
		instance_id    TEXT NOT NULL,
		assigned_at    TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shardbus_work_items (
		queue          TEXT NOT NULL,
		message_id     TEXT NOT NULL,
		destination    TEXT NOT NULL DEFAULT '',
		message_type   TEXT NOT NULL DEFAULT '',
		payload        BLOB,
		metadata       BLOB,
		scope          TEXT NOT NULL DEFAULT '',
		stream_id      TEXT NOT NULL DEFAULT '',
		partition_id   INTEGER NOT NULL DEFAULT 0,
		is_event       INTEGER NOT NULL DEFAULT 0,
		status         INTEGER NOT NULL DEFAULT 0,
		attempts       INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		claimed_by     TEXT NOT NULL DEFAULT '',
		lease_expiry   TIMESTAMP,
		scheduled_for  TIMESTAMP,
		created_at     TIMESTAMP NOT NULL,
		completed_at   TIMESTAMP,
		PRIMARY KEY (queue, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS shardbus_work_items_scan
		ON shardbus_work_items (queue, partition_id, stream_id, message_id)
		WHERE completed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS shardbus_events (
		event_id   TEXT PRIMARY KEY,
		stream_id  TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload    BLOB,
		metadata   BLOB,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (stream_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS shardbus_events_stream
		ON shardbus_events (stream_id, sequence)`,
	`CREATE TABLE IF NOT EXISTS shardbus_checkpoints (
		stream_id     TEXT NOT NULL,
		perspective   TEXT NOT NULL,
		last_event_id TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		processed_at  TIMESTAMP NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (stream_id, perspective)
	)`,
	`CREATE TABLE IF NOT EXISTS shardbus_models (
		perspective TEXT NOT NULL,
		stream_id   TEXT NOT NULL,
		model       BLOB NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (perspective, stream_id)
	)`,
}

// Store implements store.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and
// bootstraps the schema. Use ":memory:" for tests.
func Open(ctx context.Context, file string) (*Store, error) {
	// A busy timeout keeps concurrent Within calls queueing instead of
	// failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", file+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a second connection in the pool would turn
	// lock contention into errors.
	db.SetMaxOpenConns(1)
	st, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection and bootstraps the schema.
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			service_name      = excluded.service_name,
			host_name         = excluded.host_name,
			process_id        = excluded.process_id,
			last_heartbeat_at = excluded.last_heartbeat_at,
			metadata          = excluded.metadata`,
		inst.ID, inst.ServiceName, inst.HostName, inst.ProcessID,
		inst.StartedAt, inst.LastHeartbeatAt, metadata)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

func (t *tx) EvictStaleInstances(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM shardbus_instances
		WHERE last_heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale instances: %w", err)
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

	args := stringArgs(evicted)
	in := placeholders(len(evicted))
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM shardbus_instances WHERE id IN (`+in+`)`, args...); err != nil {
		return nil, fmt.Errorf("evict stale instances: %w", err)
	}
	// An evicted instance releases its partitions in the same transaction.
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM shardbus_assignments WHERE instance_id IN (`+in+`)`, args...); err != nil {
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_id) DO UPDATE SET
			instance_id    = excluded.instance_id,
			last_heartbeat = excluded.last_heartbeat`,
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
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
		WHERE queue = ? AND message_id = ?`, q, messageID)
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
			destination = ?, message_type = ?, payload = ?, metadata = ?,
			scope = ?, stream_id = ?, partition_id = ?, is_event = ?,
			status = ?, attempts = ?, error = ?, failure_reason = ?,
			claimed_by = ?, lease_expiry = ?, scheduled_for = ?, completed_at = ?
		WHERE queue = ? AND message_id = ?`,
		item.Destination, item.MessageType, item.Payload, metadata,
		item.Scope, item.StreamID, item.Partition, item.IsEvent,
		int64(item.Status), item.Attempts, item.Error, string(item.FailureReason),
		item.ClaimedBy, nullTime(item.LeaseExpiry), nullTime(item.ScheduledFor),
		nullTime(item.CompletedAt),
		item.Queue, item.MessageID)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	return nil
}

func (t *tx) RenewLeases(ctx context.Context, q storepkg.Queue, instanceID string, messageIDs []string, until time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	args := append([]any{until, q, instanceID}, stringArgs(messageIDs)...)
	_, err := t.tx.ExecContext(ctx, `
		UPDATE shardbus_work_items
		SET lease_expiry = ?
		WHERE queue = ? AND claimed_by = ? AND message_id IN (`+placeholders(len(messageIDs))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("renew leases: %w", err)
	}
	return nil
}

func (t *tx) ScanWork(ctx context.Context, q storepkg.Queue, partitions []int, limit int) ([]storepkg.WorkItem, error) {
	if len(partitions) == 0 {
		return nil, nil
	}
	args := []any{q}
	for _, p := range partitions {
		args = append(args, p)
	}
	args = append(args, limit)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+workItemColumns+`
		FROM shardbus_work_items
		WHERE queue = ?
		  AND partition_id IN (`+placeholders(len(partitions))+`)
		  AND completed_at IS NULL
		ORDER BY stream_id, message_id
		LIMIT ?`, args...)
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
	args := append([]any{instanceID, until, q}, stringArgs(messageIDs)...)
	_, err := t.tx.ExecContext(ctx, `
		UPDATE shardbus_work_items
		SET claimed_by = ?, lease_expiry = ?
		WHERE queue = ? AND message_id IN (`+placeholders(len(messageIDs))+`)`,
		args...)
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
		WHERE stream_id = ?`, streamID).Scan(&latest)
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
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.StreamID, ev.Sequence, ev.EventType, ev.Payload, metadata, ev.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
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
		WHERE stream_id = ?
		  AND sequence > COALESCE(
			(SELECT sequence FROM shardbus_events WHERE stream_id = ? AND event_id = ?), 0)
		ORDER BY sequence
		LIMIT ?`, streamID, streamID, afterEventID, limit)
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
		cp        storepkg.Checkpoint
		rawStatus string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT stream_id, perspective, last_event_id, status, processed_at, error
		FROM shardbus_checkpoints
		WHERE stream_id = ? AND perspective = ?`, streamID, perspective).
		Scan(&cp.StreamID, &cp.Perspective, &cp.LastEventID, &rawStatus, &cp.ProcessedAt, &cp.Error)
	if err == sql.ErrNoRows {
		return storepkg.Checkpoint{}, false, nil
	}
	if err != nil {
		return storepkg.Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Status = storepkg.CheckpointStatus(rawStatus)
	return cp, true, nil
}

func (t *tx) PutCheckpoint(ctx context.Context, cp storepkg.Checkpoint) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shardbus_checkpoints
			(stream_id, perspective, last_event_id, status, processed_at, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, perspective) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			status        = excluded.status,
			processed_at  = excluded.processed_at,
			error         = excluded.error`,
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
		WHERE perspective = ? AND stream_id = ?`, perspective, streamID).Scan(&model)
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT (perspective, stream_id) DO UPDATE SET
			model      = excluded.model,
			updated_at = excluded.updated_at`,
		perspective, streamID, model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put model: %w", err)
	}
	return nil
}

func (t *tx) DeleteModel(ctx context.Context, perspective, streamID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM shardbus_models
		WHERE perspective = ? AND stream_id = ?`, perspective, streamID)
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
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
