// Package distributor fans one coordinator call out to per-concern delivery
// channels. The expensive atomic batch happens exactly once per cycle no
// matter how many consumers sit downstream; slow consumers exert backpressure
// on the distributor's channel writes, never on the coordinator transaction,
// which has already committed by the time fan-out starts.
package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	coordinatorpkg "github.com/drblury/shardbus/internal/runtime/coordinator"
	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/shardbus/internal/runtime/logging"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

const (
	// DefaultChannelBuffer bounds each delivery channel.
	DefaultChannelBuffer = 256
	// DefaultPollInterval is how often Run invokes the coordinator when
	// nothing else drives it.
	DefaultPollInterval = time.Second

	// Metadata keys stamped onto published messages.
	MetadataMessageType = "shardbus_message_type"
	MetadataStreamID    = "shardbus_stream_id"
	MetadataScope       = "shardbus_scope"
)

// Reporter accumulates completion and failure reports for the next
// coordinator cycle. The Distributor implements it; consumers such as the
// publish pump and the perspective runner report through it.
type Reporter interface {
	ReportCompletion(comps ...coordinatorpkg.Completion)
	ReportFailure(fails ...coordinatorpkg.Failure)
}

// Distributor drives coordination cycles for one service instance.
type Distributor struct {
	coord    *coordinatorpkg.Coordinator
	logger   loggingpkg.ServiceLogger
	instance coordinatorpkg.Instance

	outbound chan storepkg.WorkItem // claimed outbox items awaiting publication
	inbox    chan storepkg.WorkItem // claimed inbox items awaiting handler invocation
	apply    chan storepkg.WorkItem // claimed inbox events awaiting projection

	mu          sync.Mutex
	completions []coordinatorpkg.Completion
	failures    []coordinatorpkg.Failure
	newOutbox   []coordinatorpkg.NewMessage
	newInbox    []coordinatorpkg.NewMessage
	renewals    []coordinatorpkg.LeaseRenewal
}

// New creates a Distributor for the given instance identity. buffer <= 0
// falls back to DefaultChannelBuffer.
func New(coord *coordinatorpkg.Coordinator, log loggingpkg.ServiceLogger, instance coordinatorpkg.Instance, buffer int) (*Distributor, error) {
	if coord == nil {
		return nil, errspkg.ErrCoordinatorRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if instance.ID == "" {
		return nil, errspkg.ErrInstanceIDRequired
	}
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &Distributor{
		coord:    coord,
		logger:   log,
		instance: instance,
		outbound: make(chan storepkg.WorkItem, buffer),
		inbox:    make(chan storepkg.WorkItem, buffer),
		apply:    make(chan storepkg.WorkItem, buffer),
	}, nil
}

// Outbound delivers claimed outbox items to the transport adapter.
func (d *Distributor) Outbound() <-chan storepkg.WorkItem { return d.outbound }

// Inbox delivers claimed inbox items to the handler-invocation layer.
func (d *Distributor) Inbox() <-chan storepkg.WorkItem { return d.inbox }

// Apply delivers claimed inbox events to the perspective replay engine.
func (d *Distributor) Apply() <-chan storepkg.WorkItem { return d.apply }

// EnqueueOutbox stages messages to be stored on the next cycle.
func (d *Distributor) EnqueueOutbox(msgs ...coordinatorpkg.NewMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newOutbox = append(d.newOutbox, msgs...)
}

// EnqueueInbox stages received messages to be stored on the next cycle.
func (d *Distributor) EnqueueInbox(msgs ...coordinatorpkg.NewMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newInbox = append(d.newInbox, msgs...)
}

// ReportCompletion records completed stages for the next cycle.
func (d *Distributor) ReportCompletion(comps ...coordinatorpkg.Completion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completions = append(d.completions, comps...)
}

// ReportFailure records failed attempts for the next cycle.
func (d *Distributor) ReportFailure(fails ...coordinatorpkg.Failure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, fails...)
}

// RenewLeases asks the next cycle to extend the lease on in-flight items.
func (d *Distributor) RenewLeases(renewals ...coordinatorpkg.LeaseRenewal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renewals = append(d.renewals, renewals...)
}

// takePending drains the accumulated request state under the lock.
func (d *Distributor) takePending() coordinatorpkg.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := coordinatorpkg.Request{
		Instance:    d.instance,
		Completions: d.completions,
		Failures:    d.failures,
		NewOutbox:   d.newOutbox,
		NewInbox:    d.newInbox,
		Renewals:    d.renewals,
	}
	d.completions = nil
	d.failures = nil
	d.newOutbox = nil
	d.newInbox = nil
	d.renewals = nil
	return req
}

// restorePending puts a failed cycle's reports back so they are retried on
// the next call.
func (d *Distributor) restorePending(req coordinatorpkg.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completions = append(req.Completions, d.completions...)
	d.failures = append(req.Failures, d.failures...)
	d.newOutbox = append(req.NewOutbox, d.newOutbox...)
	d.newInbox = append(req.NewInbox, d.newInbox...)
	d.renewals = append(req.Renewals, d.renewals...)
}

// RunCycle performs one coordinator call and fans the returned batch out to
// the delivery channels. Channel writes respect ctx so shutdown is not stuck
// behind a full channel.
func (d *Distributor) RunCycle(ctx context.Context) (coordinatorpkg.Batch, error) {
	req := d.takePending()
	batch, err := d.coord.ProcessWorkBatch(ctx, req)
	if err != nil {
		// The whole call failed atomically; nothing was applied, so the
		// pending reports stay queued for the retry.
		d.restorePending(req)
		return coordinatorpkg.Batch{}, err
	}

	for _, item := range batch.Outbox {
		if err := d.send(ctx, d.outbound, item); err != nil {
			return batch, err
		}
	}
	for _, item := range batch.Inbox {
		if err := d.send(ctx, d.inbox, item); err != nil {
			return batch, err
		}
		if item.IsEvent {
			if err := d.send(ctx, d.apply, item); err != nil {
				return batch, err
			}
		}
	}
	return batch, nil
}

func (d *Distributor) send(ctx context.Context, ch chan storepkg.WorkItem, item storepkg.WorkItem) error {
	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls RunCycle on the given interval until ctx is cancelled. Cycle
// errors are logged and retried on the next tick; the backlog of reports is
// preserved across failed cycles.
func (d *Distributor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RunCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Error("coordination cycle failed", err, loggingpkg.LogFields{
					"instance_id": d.instance.ID,
				})
			}
		}
	}
}

// PublishPump drains the outbound channel into a Watermill publisher, one
// message at a time per stream order, and converts the outcome into
// completion or failure reports for the next cycle. When a publish fails, the
// stream's later items already sitting in the channel are released as
// failures instead of being published, so the retry replays the stream in
// order. topic resolves the destination topic per item; nil uses the item's
// Destination.
func (d *Distributor) PublishPump(ctx context.Context, pub message.Publisher, topic func(storepkg.WorkItem) string) error {
	if pub == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == nil {
		topic = func(item storepkg.WorkItem) string { return item.Destination }
	}

	// streamID -> message id of the earliest failed publish on that stream.
	// Later ids are held back until the failed item comes around again and
	// publishes cleanly.
	held := map[string]string{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-d.outbound:
			if !ok {
				return nil
			}
			d.publishOne(pub, topic, item, held)
		}
	}
}

func (d *Distributor) publishOne(pub message.Publisher, topic func(storepkg.WorkItem) string, item storepkg.WorkItem, held map[string]string) {
	if failedID, ok := held[item.StreamID]; ok && item.StreamID != "" && item.MessageID > failedID {
		d.ReportFailure(coordinatorpkg.Failure{
			Queue:     storepkg.QueueOutbox,
			MessageID: item.MessageID,
			Error:     "held back behind failed publish of " + failedID,
			Reason:    errspkg.FailureTransient,
		})
		return
	}

	msg := message.NewMessage(item.MessageID, item.Payload)
	for k, v := range item.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(MetadataMessageType, item.MessageType)
	if item.StreamID != "" {
		msg.Metadata.Set(MetadataStreamID, item.StreamID)
	}
	if item.Scope != "" {
		msg.Metadata.Set(MetadataScope, item.Scope)
	}

	if err := pub.Publish(topic(item), msg); err != nil {
		if item.StreamID != "" {
			if cur, ok := held[item.StreamID]; !ok || item.MessageID < cur {
				held[item.StreamID] = item.MessageID
			}
		}
		d.logger.Error("outbound publish failed", err, loggingpkg.LogFields{
			"message_id": item.MessageID,
			"stream_id":  item.StreamID,
		})
		d.ReportFailure(coordinatorpkg.Failure{
			Queue:     storepkg.QueueOutbox,
			MessageID: item.MessageID,
			Error:     err.Error(),
			Reason:    errspkg.Classify(err),
		})
		return
	}

	delete(held, item.StreamID)
	d.ReportCompletion(coordinatorpkg.Completion{
		Queue:     storepkg.QueueOutbox,
		MessageID: item.MessageID,
		Stages:    item.RequiredStages(),
	})
}
