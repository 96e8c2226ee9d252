// Package status models the per-item processing stage bitset. Stages are
// independent bits OR-ed together as work progresses, so reporting the same
// completion twice is harmless and a failure can record exactly which stages
// already succeeded before things went wrong.
package status

import (
	"sort"
	"strings"
)

// Stage is a single processing stage flag.
type Stage uint32

const (
	// Stored is set once the item row is durably persisted.
	Stored Stage = 1 << iota
	// EventStored is set once the payload is appended to the event store.
	EventStored
	// HandlerProcessed is set once the application handler ran successfully.
	HandlerProcessed
	// ProjectionProcessed is set once all perspectives consumed the event.
	ProjectionProcessed
	// Published is set once the outbound transport confirmed delivery.
	Published
	// Failed marks the most recent attempt as failed. It coexists with the
	// stage bits that did succeed, which is what lets a retry resume instead
	// of redoing completed stages.
	Failed
)

var stageNames = map[Stage]string{
	Stored:              "stored",
	EventStored:         "event_stored",
	HandlerProcessed:    "handler_processed",
	ProjectionProcessed: "projection_processed",
	Published:           "published",
	Failed:              "failed",
}

// Set is a bitset of stages.
type Set uint32

// Merge ORs other into s and returns the result. Merging is idempotent and
// commutative, which makes completion reports safe to replay.
func (s Set) Merge(other Set) Set {
	return s | other
}

// With returns s with the given stages set.
func (s Set) With(stages ...Stage) Set {
	for _, st := range stages {
		s |= Set(st)
	}
	return s
}

// Without returns s with the given stages cleared.
func (s Set) Without(stages ...Stage) Set {
	for _, st := range stages {
		s &^= Set(st)
	}
	return s
}

// Has reports whether every given stage is set.
func (s Set) Has(stages ...Stage) bool {
	for _, st := range stages {
		if s&Set(st) == 0 {
			return false
		}
	}
	return true
}

// Covers reports whether s contains every bit of required.
func (s Set) Covers(required Set) bool {
	return s&required == required
}

// String renders the set as a stable, sorted list of stage names.
func (s Set) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	for stage, name := range stageNames {
		if s.Has(stage) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// Required returns the stage set an item must accumulate before it counts as
// terminally complete. Every item must be stored; events must also land in the
// event store; inbox items need their handler to run, and inbox events
// additionally feed projections; outbox items are done once published.
func Required(inbox, isEvent bool) Set {
	required := Set(0).With(Stored)
	if isEvent {
		required = required.With(EventStored)
	}
	if inbox {
		required = required.With(HandlerProcessed)
		if isEvent {
			required = required.With(ProjectionProcessed)
		}
	} else {
		required = required.With(Published)
	}
	return required
}
