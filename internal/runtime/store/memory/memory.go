// Package memory provides an in-memory Store with real transaction semantics:
// each Within call works on a deep copy of the state and commits by swapping
// it in, so a failed transaction leaves nothing behind. Transactions are
// serialized, which matches the atomic-batch model the coordinator relies on.
// Useful for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

type state struct {
	instances   map[string]storepkg.ServiceInstance
	assignments map[int]storepkg.PartitionAssignment
	outbox      map[string]storepkg.WorkItem
	inbox       map[string]storepkg.WorkItem
	events      map[string][]storepkg.EventRecord // streamID -> ordered by sequence
	checkpoints map[string]storepkg.Checkpoint    // streamID + "\x00" + perspective
	models      map[string][]byte                 // perspective + "\x00" + streamID
}

func newState() *state {
	return &state{
		instances:   make(map[string]storepkg.ServiceInstance),
		assignments: make(map[int]storepkg.PartitionAssignment),
		outbox:      make(map[string]storepkg.WorkItem),
		inbox:       make(map[string]storepkg.WorkItem),
		events:      make(map[string][]storepkg.EventRecord),
		checkpoints: make(map[string]storepkg.Checkpoint),
		models:      make(map[string][]byte),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.instances {
		v.Metadata = cloneMeta(v.Metadata)
		c.instances[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = cloneItem(v)
	}
	for k, v := range s.inbox {
		c.inbox[k] = cloneItem(v)
	}
	for k, v := range s.events {
		evs := make([]storepkg.EventRecord, len(v))
		for i, ev := range v {
			ev.Payload = append([]byte(nil), ev.Payload...)
			ev.Metadata = cloneMeta(ev.Metadata)
			evs[i] = ev
		}
		c.events[k] = evs
	}
	for k, v := range s.checkpoints {
		c.checkpoints[k] = v
	}
	for k, v := range s.models {
		c.models[k] = append([]byte(nil), v...)
	}
	return c
}

func cloneItem(w storepkg.WorkItem) storepkg.WorkItem {
	w.Payload = append([]byte(nil), w.Payload...)
	w.Metadata = cloneMeta(w.Metadata)
	return w
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Store is the in-memory Store implementation.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Within runs fn against a snapshot of the state and commits it on success.
func (s *Store) Within(ctx context.Context, fn func(context.Context, storepkg.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(ctx, &tx{state: working}); err != nil {
		return err
	}
	// Cancellation before the commit point discards the snapshot.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close releases nothing; it exists to satisfy the Store interface.
func (s *Store) Close() error { return nil }

type tx struct {
	state *state
}

func (t *tx) items(q storepkg.Queue) map[string]storepkg.WorkItem {
	if q == storepkg.QueueInbox {
		return t.state.inbox
	}
	return t.state.outbox
}

func (t *tx) UpsertInstance(_ context.Context, inst storepkg.ServiceInstance) error {
	if existing, ok := t.state.instances[inst.ID]; ok {
		existing.LastHeartbeatAt = inst.LastHeartbeatAt
		existing.Metadata = cloneMeta(inst.Metadata)
		t.state.instances[inst.ID] = existing
		return nil
	}
	inst.Metadata = cloneMeta(inst.Metadata)
	t.state.instances[inst.ID] = inst
	return nil
}

func (t *tx) EvictStaleInstances(_ context.Context, cutoff time.Time) ([]string, error) {
	var evicted []string
	for id, inst := range t.state.instances {
		if inst.LastHeartbeatAt.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		delete(t.state.instances, id)
		for p, pa := range t.state.assignments {
			if pa.InstanceID == id {
				delete(t.state.assignments, p)
			}
		}
	}
	return evicted, nil
}

func (t *tx) AssignedPartitions(_ context.Context) (map[int]string, error) {
	owners := make(map[int]string, len(t.state.assignments))
	for p, pa := range t.state.assignments {
		owners[p] = pa.InstanceID
	}
	return owners, nil
}

func (t *tx) UpsertAssignment(_ context.Context, pa storepkg.PartitionAssignment) error {
	// Renewal keeps the original assignment time, like the SQL upserts.
	if existing, ok := t.state.assignments[pa.Partition]; ok {
		pa.AssignedAt = existing.AssignedAt
	}
	t.state.assignments[pa.Partition] = pa
	return nil
}

func (t *tx) InsertWorkItem(_ context.Context, item storepkg.WorkItem) (bool, error) {
	items := t.items(item.Queue)
	if _, exists := items[item.MessageID]; exists {
		if item.Queue == storepkg.QueueInbox {
			return false, nil
		}
		return false, fmt.Errorf("shardbus: duplicate outbox message id %s", item.MessageID)
	}
	items[item.MessageID] = cloneItem(item)
	return true, nil
}

func (t *tx) GetWorkItem(_ context.Context, q storepkg.Queue, messageID string) (storepkg.WorkItem, bool, error) {
	item, ok := t.items(q)[messageID]
	if !ok {
		return storepkg.WorkItem{}, false, nil
	}
	return cloneItem(item), true, nil
}

func (t *tx) UpdateWorkItem(_ context.Context, item storepkg.WorkItem) error {
	items := t.items(item.Queue)
	if _, ok := items[item.MessageID]; !ok {
		return nil
	}
	items[item.MessageID] = cloneItem(item)
	return nil
}

func (t *tx) RenewLeases(_ context.Context, q storepkg.Queue, instanceID string, messageIDs []string, until time.Time) error {
	items := t.items(q)
	for _, id := range messageIDs {
		item, ok := items[id]
		if !ok || item.ClaimedBy != instanceID {
			continue
		}
		item.LeaseExpiry = until
		items[id] = item
	}
	return nil
}

func (t *tx) ScanWork(_ context.Context, q storepkg.Queue, partitions []int, limit int) ([]storepkg.WorkItem, error) {
	owned := make(map[int]bool, len(partitions))
	for _, p := range partitions {
		owned[p] = true
	}

	var scan []storepkg.WorkItem
	for _, item := range t.items(q) {
		if !owned[item.Partition] || item.Complete() {
			continue
		}
		scan = append(scan, cloneItem(item))
	}

	sort.Slice(scan, func(i, j int) bool {
		if scan[i].StreamID != scan[j].StreamID {
			return scan[i].StreamID < scan[j].StreamID
		}
		return scan[i].MessageID < scan[j].MessageID
	})
	if limit > 0 && len(scan) > limit {
		scan = scan[:limit]
	}
	return scan, nil
}

func (t *tx) ClaimWorkItems(_ context.Context, q storepkg.Queue, messageIDs []string, instanceID string, until time.Time) error {
	items := t.items(q)
	for _, id := range messageIDs {
		item, ok := items[id]
		if !ok {
			continue
		}
		item.ClaimedBy = instanceID
		item.LeaseExpiry = until
		items[id] = item
	}
	return nil
}

func (t *tx) LatestSequence(_ context.Context, streamID string) (int64, error) {
	evs := t.state.events[streamID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

func (t *tx) AppendEvent(_ context.Context, ev storepkg.EventRecord) error {
	evs := t.state.events[ev.StreamID]
	for _, existing := range evs {
		if existing.Sequence == ev.Sequence {
			return errspkg.ErrSequenceConflict
		}
	}
	ev.Payload = append([]byte(nil), ev.Payload...)
	ev.Metadata = cloneMeta(ev.Metadata)
	evs = append(evs, ev)
	sort.Slice(evs, func(i, j int) bool { return evs[i].Sequence < evs[j].Sequence })
	t.state.events[ev.StreamID] = evs
	return nil
}

func (t *tx) ReadEvents(_ context.Context, streamID, afterEventID string, limit int) ([]storepkg.EventRecord, error) {
	afterSeq := int64(0)
	if afterEventID != "" {
		for _, ev := range t.state.events[streamID] {
			if ev.EventID == afterEventID {
				afterSeq = ev.Sequence
				break
			}
		}
	}

	var out []storepkg.EventRecord
	for _, ev := range t.state.events[streamID] {
		if ev.Sequence <= afterSeq {
			continue
		}
		ev.Payload = append([]byte(nil), ev.Payload...)
		ev.Metadata = cloneMeta(ev.Metadata)
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func checkpointKey(streamID, perspective string) string {
	return streamID + "\x00" + perspective
}

func modelKey(perspective, streamID string) string {
	return perspective + "\x00" + streamID
}

func (t *tx) GetCheckpoint(_ context.Context, streamID, perspective string) (storepkg.Checkpoint, bool, error) {
	cp, ok := t.state.checkpoints[checkpointKey(streamID, perspective)]
	return cp, ok, nil
}

func (t *tx) PutCheckpoint(_ context.Context, cp storepkg.Checkpoint) error {
	if strings.TrimSpace(cp.Perspective) == "" {
		return errspkg.ErrPerspectiveRequired
	}
	t.state.checkpoints[checkpointKey(cp.StreamID, cp.Perspective)] = cp
	return nil
}

func (t *tx) GetModel(_ context.Context, perspective, streamID string) ([]byte, bool, error) {
	m, ok := t.state.models[modelKey(perspective, streamID)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), m...), true, nil
}

func (t *tx) PutModel(_ context.Context, perspective, streamID string, model []byte) error {
	t.state.models[modelKey(perspective, streamID)] = append([]byte(nil), model...)
	return nil
}

func (t *tx) DeleteModel(_ context.Context, perspective, streamID string) error {
	delete(t.state.models, modelKey(perspective, streamID))
	return nil
}
