package shardbus

import (
	"context"
	"strings"
	"time"

	configpkg "github.com/drblury/shardbus/internal/runtime/config"
	coordinatorpkg "github.com/drblury/shardbus/internal/runtime/coordinator"
	distributorpkg "github.com/drblury/shardbus/internal/runtime/distributor"
	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	idspkg "github.com/drblury/shardbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/shardbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/shardbus/internal/runtime/logging"
	partitionpkg "github.com/drblury/shardbus/internal/runtime/partition"
	perspectivepkg "github.com/drblury/shardbus/internal/runtime/perspective"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
	memorystore "github.com/drblury/shardbus/internal/runtime/store/memory"
	postgresstore "github.com/drblury/shardbus/internal/runtime/store/postgres"
	sqlitestore "github.com/drblury/shardbus/internal/runtime/store/sqlite"
)

type (
	Config = configpkg.Config

	Coordinator  = coordinatorpkg.Coordinator
	Options      = coordinatorpkg.Options
	Instance     = coordinatorpkg.Instance
	Request      = coordinatorpkg.Request
	Batch        = coordinatorpkg.Batch
	NewMessage   = coordinatorpkg.NewMessage
	Completion   = coordinatorpkg.Completion
	Failure      = coordinatorpkg.Failure
	LeaseRenewal = coordinatorpkg.LeaseRenewal
	Metrics      = coordinatorpkg.Metrics

	Distributor = distributorpkg.Distributor

	Perspective       = perspectivepkg.Perspective
	KeyedPerspective  = perspectivepkg.Keyed
	PerspectiveResult = perspectivepkg.Result
	ReplayEngine      = perspectivepkg.Engine
	PerspectiveRunner = perspectivepkg.Runner

	Store               = storepkg.Store
	StoreTx             = storepkg.Tx
	Queue               = storepkg.Queue
	WorkItem            = storepkg.WorkItem
	ServiceInstance     = storepkg.ServiceInstance
	PartitionAssignment = storepkg.PartitionAssignment
	EventRecord         = storepkg.EventRecord
	Checkpoint          = storepkg.Checkpoint
	CheckpointStatus    = storepkg.CheckpointStatus

	Stage    = statuspkg.Stage
	StageSet = statuspkg.Set

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	FailureReason         = errspkg.FailureReason
)

var (
	NewCoordinator = coordinatorpkg.New
	NewMetrics     = coordinatorpkg.NewMetrics
	NewDistributor = distributorpkg.New

	NewReplayEngine      = perspectivepkg.NewEngine
	NewPerspectiveRunner = perspectivepkg.NewRunner
	KeepModel            = perspectivepkg.Keep
	SkipModel            = perspectivepkg.Skip
	DeleteModel          = perspectivepkg.Delete

	NewMemoryStore = memorystore.NewStore
	OpenSQLite     = sqlitestore.Open
	OpenPostgres   = postgresstore.Open

	FromEnv        = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	SelectPartition = partitionpkg.SelectPartition

	CreateULID = idspkg.CreateULID
	TimeOfULID = idspkg.TimeOf

	RequiredStages = statuspkg.Required

	ClassifyFailure = errspkg.Classify

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	ErrInvalidPartitionCount = errspkg.ErrInvalidPartitionCount
	ErrStoreRequired         = errspkg.ErrStoreRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrInstanceIDRequired    = errspkg.ErrInstanceIDRequired
	ErrServiceNameRequired   = errspkg.ErrServiceNameRequired
	ErrPerspectiveRequired   = errspkg.ErrPerspectiveRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrCoordinatorRequired   = errspkg.ErrCoordinatorRequired
	ErrStreamIDRequired      = errspkg.ErrStreamIDRequired
	ErrSequenceConflict      = errspkg.ErrSequenceConflict
	ErrModelRequired         = errspkg.ErrModelRequired
)

// Queue identifiers.
const (
	QueueOutbox = storepkg.QueueOutbox
	QueueInbox  = storepkg.QueueInbox
)

// Processing stages recorded on a work item.
const (
	StageStored              = statuspkg.Stored
	StageEventStored         = statuspkg.EventStored
	StageHandlerProcessed    = statuspkg.HandlerProcessed
	StageProjectionProcessed = statuspkg.ProjectionProcessed
	StagePublished           = statuspkg.Published
	StageFailed              = statuspkg.Failed
)

// Checkpoint states of a (stream, perspective) pair.
const (
	CheckpointApplying     = storepkg.CheckpointApplying
	CheckpointCheckpointed = storepkg.CheckpointCheckpointed
	CheckpointFailed       = storepkg.CheckpointFailed
)

// Failure classifications reported with failed work items.
const (
	FailureTransient     = errspkg.FailureTransient
	FailureHandler       = errspkg.FailureHandler
	FailureSerialization = errspkg.FailureSerialization
	FailureInvariant     = errspkg.FailureInvariant
)

// Metadata keys stamped on published messages.
const (
	MetadataMessageType = distributorpkg.MetadataMessageType
	MetadataStreamID    = distributorpkg.MetadataStreamID
	MetadataScope       = distributorpkg.MetadataScope
)

// OpenStore opens the store selected by cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case configpkg.BackendMemory, "":
		return memorystore.NewStore(), nil
	case configpkg.BackendSQLite:
		return sqlitestore.Open(ctx, cfg.SQLiteFile)
	case configpkg.BackendPostgres:
		return postgresstore.Open(ctx, cfg.PostgresURL)
	default:
		return nil, &ConfigValidationError{Field: "StoreBackend", Reason: "unsupported backend " + cfg.StoreBackend}
	}
}

// CoordinatorOptions maps a validated Config onto coordinator Options.
func CoordinatorOptions(cfg Config) Options {
	return Options{
		PartitionCount:           cfg.PartitionCount,
		MaxPartitionsPerInstance: cfg.MaxPartitionsPerInstance,
		LeaseDuration:            secondsToDuration(cfg.LeaseSeconds),
		StaleThreshold:           secondsToDuration(cfg.StaleThresholdSeconds),
		BatchSize:                cfg.BatchSize,
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
