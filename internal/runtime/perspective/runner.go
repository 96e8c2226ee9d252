package perspective

import (
	"context"

	coordinatorpkg "github.com/drblury/shardbus/internal/runtime/coordinator"
	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/shardbus/internal/runtime/logging"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

// Reporter feeds stage outcomes back into the next coordination cycle. The
// distributor satisfies it.
type Reporter interface {
	ReportCompletion(comps ...coordinatorpkg.Completion)
	ReportFailure(fails ...coordinatorpkg.Failure)
}

// Runner consumes claimed event items from the projection-apply channel and
// drives every registered perspective over the affected stream. A failure in
// one perspective blocks only that (stream, perspective) pair; the others
// keep advancing, and the item is reported failed so it comes back for the
// wedged pair after its backoff.
type Runner struct {
	engine       *Engine
	logger       loggingpkg.ServiceLogger
	reporter     Reporter
	perspectives []Perspective
}

// NewRunner creates a Runner over the given perspectives.
func NewRunner(engine *Engine, log loggingpkg.ServiceLogger, reporter Reporter, perspectives ...Perspective) (*Runner, error) {
	if engine == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(perspectives) == 0 {
		return nil, errspkg.ErrPerspectiveRequired
	}
	for _, p := range perspectives {
		if p == nil {
			return nil, errspkg.ErrPerspectiveRequired
		}
	}
	return &Runner{
		engine:       engine,
		logger:       log,
		reporter:     reporter,
		perspectives: perspectives,
	}, nil
}

// Run processes items from the apply channel until it closes or ctx is
// cancelled. Items are handled one at a time, preserving per-stream order.
func (r *Runner) Run(ctx context.Context, items <-chan storepkg.WorkItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-items:
			if !ok {
				return nil
			}
			r.processItem(ctx, item)
		}
	}
}

func (r *Runner) processItem(ctx context.Context, item storepkg.WorkItem) {
	if item.StreamID == "" {
		// Not stream-bound; nothing to project.
		r.report(item, nil)
		return
	}

	var firstErr error
	for _, p := range r.perspectives {
		if err := r.engine.ApplyStream(ctx, p, item.StreamID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Other perspectives still get their chance.
		}
	}
	r.report(item, firstErr)
}

func (r *Runner) report(item storepkg.WorkItem, err error) {
	if r.reporter == nil {
		return
	}
	if err != nil {
		r.reporter.ReportFailure(coordinatorpkg.Failure{
			Queue:     item.Queue,
			MessageID: item.MessageID,
			Error:     err.Error(),
			Reason:    errspkg.Classify(err),
		})
		return
	}
	r.reporter.ReportCompletion(coordinatorpkg.Completion{
		Queue:     item.Queue,
		MessageID: item.MessageID,
		Stages:    statuspkg.Set(0).With(statuspkg.ProjectionProcessed),
	})
}
