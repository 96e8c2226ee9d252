// Package errors defines the sentinel errors and failure classification shared
// across the shardbus runtime.
package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrInvalidPartitionCount = sterrors.New("shardbus: partition count must be greater than zero")
	ErrStoreRequired         = sterrors.New("shardbus: store is required")
	ErrLoggerRequired        = sterrors.New("shardbus: logger is required")
	ErrInstanceIDRequired    = sterrors.New("shardbus: instance id is required")
	ErrServiceNameRequired   = sterrors.New("shardbus: service name is required")
	ErrPerspectiveRequired   = sterrors.New("shardbus: perspective is required")
	ErrPublisherRequired     = sterrors.New("shardbus: publisher is required")
	ErrCoordinatorRequired   = sterrors.New("shardbus: coordinator is required")
	ErrStreamIDRequired      = sterrors.New("shardbus: stream id is required")

	// ErrSequenceConflict reports a concurrent append at an already-taken
	// (stream, sequence) pair. The first append won; the caller lost the race.
	ErrSequenceConflict = sterrors.New("shardbus: event sequence already exists for stream")

	// ErrModelRequired reports a must-exist event applied to a stream that has
	// no materialized model yet.
	ErrModelRequired = sterrors.New("shardbus: event requires an existing model")
)

// ConfigValidationError reports an invalid configuration field. Configuration
// errors are fail-fast and never retried.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("shardbus: invalid config field %s: %s", e.Field, e.Reason)
}

// FailureReason classifies a reported work-item failure so operators and retry
// policy can distinguish transient trouble from wedged items.
type FailureReason string

const (
	// FailureTransient covers timeouts, connection resets, and anything else
	// worth retrying as-is.
	FailureTransient FailureReason = "transient"
	// FailureHandler covers errors returned by application handlers.
	FailureHandler FailureReason = "handler"
	// FailureSerialization covers payloads that cannot be decoded.
	FailureSerialization FailureReason = "serialization"
	// FailureInvariant covers invariant violations such as must-exist events
	// with no model. These need manual attention.
	FailureInvariant FailureReason = "invariant"
)

// Classify maps an error to a FailureReason. Unknown errors are treated as
// transient so they stay retryable.
func Classify(err error) FailureReason {
	switch {
	case err == nil:
		return FailureTransient
	case sterrors.Is(err, ErrModelRequired), sterrors.Is(err, ErrSequenceConflict):
		return FailureInvariant
	default:
		return FailureTransient
	}
}
