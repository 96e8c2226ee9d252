// Package perspective folds ordered event streams into materialized models
// ("perspectives") with durable per-(stream, perspective) checkpoints. Replay
// is idempotent and restartable: after any failure the engine resumes from
// the last committed checkpoint, so catch-up cost is bounded by the gap, not
// by total history.
package perspective

import (
	"context"

	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

// Action tells the engine what to do with the model a fold returned.
type Action int

const (
	// ActionKeep persists Result.Model, or leaves the stored model untouched
	// when Result.Model is nil.
	ActionKeep Action = iota
	// ActionDelete retires the stored model.
	ActionDelete
)

// Result is the single fold-result shape. Every fold outcome (update, no-op,
// delete) is expressed here, so the engine body is one switch.
type Result struct {
	Model  any
	Action Action
}

// Keep returns a Result that persists the given model.
func Keep(model any) Result {
	return Result{Model: model, Action: ActionKeep}
}

// Skip returns a Result that leaves the stored model untouched.
func Skip() Result {
	return Result{Action: ActionKeep}
}

// Delete returns a Result that retires the stored model.
func Delete() Result {
	return Result{Action: ActionDelete}
}

// Perspective is a user-supplied fold over one event stream.
type Perspective interface {
	// Name identifies this perspective for checkpoint and model storage.
	Name() string
	// New returns a pointer to a fresh zero model. The engine unmarshals
	// stored state into it before each apply.
	New() any
	// MustExist reports whether the given event type requires an existing
	// model. Applying such an event to a stream with no model is a hard
	// error, never a silently fabricated model.
	MustExist(eventType string) bool
	// Apply folds one event into the model and returns the result. It is
	// called strictly in event order, once per event.
	Apply(ctx context.Context, model any, ev storepkg.EventRecord) (Result, error)
}

// Keyed is an optional Perspective extension for global perspectives that
// group models by an application-defined key instead of the stream id.
type Keyed interface {
	// ModelKey returns the storage key for the model this event affects.
	ModelKey(ev storepkg.EventRecord) string
}

func modelKey(p Perspective, ev storepkg.EventRecord) string {
	if k, ok := p.(Keyed); ok {
		if key := k.ModelKey(ev); key != "" {
			return key
		}
	}
	return ev.StreamID
}
