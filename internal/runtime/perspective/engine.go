package perspective

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	"github.com/drblury/shardbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/shardbus/internal/runtime/logging"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

// DefaultApplyBatchSize is how many events one transaction folds at most.
const DefaultApplyBatchSize = 100

// Engine replays events through perspectives and maintains checkpoints.
type Engine struct {
	store     storepkg.Store
	logger    loggingpkg.ServiceLogger
	batchSize int

	now func() time.Time
}

// NewEngine creates a replay engine. batchSize <= 0 falls back to
// DefaultApplyBatchSize.
func NewEngine(st storepkg.Store, log loggingpkg.ServiceLogger, batchSize int) (*Engine, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if batchSize <= 0 {
		batchSize = DefaultApplyBatchSize
	}
	return &Engine{store: st, logger: log, batchSize: batchSize, now: time.Now}, nil
}

// ApplyStream folds every outstanding event of one stream through one
// perspective, committing model and checkpoint together after each batch.
// On an apply error the transaction rolls back and the error is recorded on
// the checkpoint without advancing it, so only this (stream, perspective)
// pair is blocked; a later call retries from the last good checkpoint.
func (e *Engine) ApplyStream(ctx context.Context, p Perspective, streamID string) error {
	if p == nil {
		return errspkg.ErrPerspectiveRequired
	}
	if streamID == "" {
		return errspkg.ErrStreamIDRequired
	}

	tracer := otel.Tracer("shardbus-perspective")
	ctx, span := tracer.Start(ctx, "ApplyStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("perspective", p.Name()),
		attribute.String("stream.id", streamID),
	)

	for {
		applied, err := e.applyBatch(ctx, p, streamID)
		if err != nil {
			span.RecordError(err)
			e.recordFailure(ctx, p, streamID, err)
			return err
		}
		if applied == 0 {
			return nil
		}
	}
}

// applyBatch folds up to batchSize events in one transaction and returns how
// many were applied.
func (e *Engine) applyBatch(ctx context.Context, p Perspective, streamID string) (int, error) {
	applied := 0
	err := e.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		applied = 0
		cp, _, err := tx.GetCheckpoint(ctx, streamID, p.Name())
		if err != nil {
			return fmt.Errorf("get checkpoint: %w", err)
		}

		events, err := tx.ReadEvents(ctx, streamID, cp.LastEventID, e.batchSize)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		for _, ev := range events {
			if err := e.applyOne(ctx, tx, p, ev); err != nil {
				return err
			}
			cp = storepkg.Checkpoint{
				StreamID:    streamID,
				Perspective: p.Name(),
				LastEventID: ev.EventID,
				Status:      storepkg.CheckpointCheckpointed,
				ProcessedAt: e.now().UTC(),
			}
			if err := tx.PutCheckpoint(ctx, cp); err != nil {
				return fmt.Errorf("put checkpoint: %w", err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (e *Engine) applyOne(ctx context.Context, tx storepkg.Tx, p Perspective, ev storepkg.EventRecord) error {
	key := modelKey(p, ev)

	stored, found, err := tx.GetModel(ctx, p.Name(), key)
	if err != nil {
		return fmt.Errorf("get model: %w", err)
	}
	if !found && p.MustExist(ev.EventType) {
		return fmt.Errorf("apply %s at sequence %d: %w", ev.EventType, ev.Sequence, errspkg.ErrModelRequired)
	}

	model := p.New()
	if found {
		if err := jsoncodec.Unmarshal(stored, model); err != nil {
			return fmt.Errorf("decode model: %w", err)
		}
	}

	result, err := p.Apply(ctx, model, ev)
	if err != nil {
		return fmt.Errorf("apply %s at sequence %d: %w", ev.EventType, ev.Sequence, err)
	}

	switch result.Action {
	case ActionDelete:
		if err := tx.DeleteModel(ctx, p.Name(), key); err != nil {
			return fmt.Errorf("delete model: %w", err)
		}
	case ActionKeep:
		if result.Model == nil {
			return nil
		}
		encoded, err := jsoncodec.Marshal(result.Model)
		if err != nil {
			return fmt.Errorf("encode model: %w", err)
		}
		if err := tx.PutModel(ctx, p.Name(), key, encoded); err != nil {
			return fmt.Errorf("put model: %w", err)
		}
	}
	return nil
}

// recordFailure stores the error on the checkpoint in its own transaction so
// the rolled-back batch still leaves a diagnosable trace. The checkpoint's
// LastEventID is left untouched.
func (e *Engine) recordFailure(ctx context.Context, p Perspective, streamID string, applyErr error) {
	err := e.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		cp, _, err := tx.GetCheckpoint(ctx, streamID, p.Name())
		if err != nil {
			return err
		}
		cp.StreamID = streamID
		cp.Perspective = p.Name()
		cp.Status = storepkg.CheckpointFailed
		cp.Error = applyErr.Error()
		cp.ProcessedAt = e.now().UTC()
		return tx.PutCheckpoint(ctx, cp)
	})
	if err != nil {
		e.logger.Error("recording checkpoint failure failed", err, loggingpkg.LogFields{
			"perspective": p.Name(),
			"stream_id":   streamID,
		})
	}

	e.logger.Error("perspective apply failed", applyErr, loggingpkg.LogFields{
		"perspective": p.Name(),
		"stream_id":   streamID,
	})
}

// Checkpoint returns the stored checkpoint for a (stream, perspective) pair.
func (e *Engine) Checkpoint(ctx context.Context, p Perspective, streamID string) (storepkg.Checkpoint, bool, error) {
	var (
		cp    storepkg.Checkpoint
		found bool
	)
	err := e.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		var err error
		cp, found, err = tx.GetCheckpoint(ctx, streamID, p.Name())
		return err
	})
	return cp, found, err
}

// Model loads and decodes the materialized model for a key into dst.
func (e *Engine) Model(ctx context.Context, p Perspective, key string, dst any) (bool, error) {
	var found bool
	err := e.store.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		stored, ok, err := tx.GetModel(ctx, p.Name(), key)
		if err != nil || !ok {
			found = false
			return err
		}
		found = true
		return jsoncodec.Unmarshal(stored, dst)
	})
	return found, err
}
