// Package registry implements the Active Worker Registry (spec §4.2): the
// single authoritative map from WorkerId to live Session, capability-indexed
// for placement lookups, with epoch-based preemption on reconnect and a
// fan-out event stream for observers (the scheduler, the gateway, the admin
// API).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/worker"
)

// EventKind classifies a RegistryEvent.
type EventKind string

const (
	EventAdded             EventKind = "Added"
	EventRemoved           EventKind = "Removed"
	EventCapabilityChanged EventKind = "CapabilityChanged"
)

// RegistryEvent is published to every subscriber on insert, remove, and
// model-set changes. Ordering guarantee (spec §5): observers see Added(w)
// strictly before any event referencing w's departure.
type RegistryEvent struct {
	Kind     EventKind
	WorkerID device.WorkerId
	Session  *worker.Session
}

// subscriberEntry pairs a delivery channel with the id needed to remove it.
type subscriberEntry struct {
	id int
	ch chan RegistryEvent
}

// Registry is the single-writer, concurrent-read map of Serving/Draining
// worker sessions. A write lock guards all mutation; snapshot reads clone
// under the read lock and are safe to range over without holding it,
// mirroring the teacher's Hub spoke/capability index.
type Registry struct {
	mu sync.RWMutex

	sessions   map[device.WorkerId]*worker.Session
	modelIndex map[string]map[device.WorkerId]struct{}

	subscribers  []subscriberEntry
	nextSubID    int
	subChanDepth int

	mirror *RedisMirror

	logger *slog.Logger
}

// WithMirror attaches a RedisMirror so every Insert/Remove/IndexModel call
// also republishes to Redis, making this pod's served models visible to
// sibling broker instances. Optional; a nil mirror (the default) keeps the
// registry single-pod, matching the teacher's own in-memory Hub fallback
// when Redis isn't configured.
func (r *Registry) WithMirror(m *RedisMirror) *Registry {
	r.mirror = m
	return r
}

// mirrorModelsLocked collects a session's currently indexed model names; caller
// holds mu (read or write).
func (r *Registry) mirrorModelsLocked(id device.WorkerId) []string {
	var models []string
	for model, ids := range r.modelIndex {
		if _, ok := ids[id]; ok {
			models = append(models, model)
		}
	}
	return models
}

// New creates an empty Registry. subChanDepth bounds each subscriber's
// delivery channel; a slow subscriber drops events past that depth rather
// than blocking mutation (mutation must never await with the lock held,
// per spec §5).
func New(subChanDepth int) *Registry {
	if subChanDepth <= 0 {
		subChanDepth = 64
	}
	return &Registry{
		sessions:     make(map[device.WorkerId]*worker.Session),
		modelIndex:   make(map[string]map[device.WorkerId]struct{}),
		subChanDepth: subChanDepth,
		logger:       slog.Default().With("component", "registry"),
	}
}

// Insert publishes session into the registry. If another session for the
// same WorkerId is already Serving/Draining, the new connection wins only
// if its epoch is strictly greater; the older session is then closed with
// Preempted. Otherwise Insert rejects the new session.
func (r *Registry) Insert(s *worker.Session) error {
	r.mu.Lock()

	id := s.ID()
	if existing, ok := r.sessions[id]; ok {
		if s.Epoch() <= existing.Epoch() {
			r.mu.Unlock()
			return fmt.Errorf("registry: session %s already active at epoch %d", id, existing.Epoch())
		}
		r.removeLocked(id, worker.ClosePreempted)
		go existing.Close(worker.ClosePreempted)
	}

	r.sessions[id] = s
	r.logger.Info("worker added", "worker_id", id.String(), "epoch", s.Epoch())
	r.mu.Unlock()

	if r.mirror != nil {
		snap := s.Snapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			r.mirror.SaveWorker(ctx, id, nil, snap.OSClass.String(), snap.EngineClass.String())
		}()
	}

	r.publish(RegistryEvent{Kind: EventAdded, WorkerID: id, Session: s})
	return nil
}

// Remove evicts worker_id idempotently; cause is informational only (the
// caller is responsible for closing the session itself).
func (r *Registry) Remove(id device.WorkerId, cause worker.CloseCause) {
	r.mu.Lock()
	existing, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	models := r.mirrorModelsLocked(id)
	r.removeLocked(id, cause)
	r.mu.Unlock()

	if r.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			r.mirror.DeleteWorker(ctx, id, models)
		}()
	}

	r.logger.Info("worker removed", "worker_id", id.String(), "cause", cause)
	r.publish(RegistryEvent{Kind: EventRemoved, WorkerID: id, Session: existing})
}

// removeLocked drops the bookkeeping for id; caller holds mu.
func (r *Registry) removeLocked(id device.WorkerId, _ worker.CloseCause) {
	delete(r.sessions, id)
	for model, ids := range r.modelIndex {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.modelIndex, model)
		}
	}
}

// RefreshModels clears a session's prior model-index entries and fires
// CapabilityChanged; the caller must follow with one IndexModel call per
// model in the session's new advertised set. Call after a ModelList frame
// updates s.SetModels.
func (r *Registry) RefreshModels(s *worker.Session) {
	r.mu.Lock()
	id := s.ID()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return
	}
	for model, ids := range r.modelIndex {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.modelIndex, model)
		}
	}
	r.mu.Unlock()

	r.publish(RegistryEvent{Kind: EventCapabilityChanged, WorkerID: id, Session: s})
}

// IndexModel registers that session s currently serves modelName and fires
// CapabilityChanged. Called after the first Snapshot and after each
// ModelList, once per advertised model, since Session does not expose its
// internal model map.
func (r *Registry) IndexModel(s *worker.Session, modelName string) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	ids, ok := r.modelIndex[modelName]
	if !ok {
		ids = make(map[device.WorkerId]struct{})
		r.modelIndex[modelName] = ids
	}
	ids[s.ID()] = struct{}{}
	models := r.mirrorModelsLocked(s.ID())
	r.mu.Unlock()

	if r.mirror != nil {
		id := s.ID()
		snap := s.Snapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			r.mirror.SaveWorker(ctx, id, models, snap.OSClass.String(), snap.EngineClass.String())
		}()
	}

	r.publish(RegistryEvent{Kind: EventCapabilityChanged, WorkerID: s.ID(), Session: s})
}

// Get returns the session for id, if present.
func (r *Registry) Get(id device.WorkerId) (*worker.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns every tracked session, in no particular order. Used by the
// gateway's device-listing endpoints; callers must not mutate the slice's
// sessions.
func (r *Registry) All() []*worker.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ScoreFunc computes a placement score for a candidate session; higher is
// better. The scheduler owns the formula (spec §4.3) and supplies it here so
// the registry has no dependency on scheduling weights.
type ScoreFunc func(*worker.Session) float64

// SnapshotByModel returns every Serving session advertising modelName,
// ordered by score descending, tie-broken by lexicographic WorkerId.
func (r *Registry) SnapshotByModel(modelName string, score ScoreFunc) []*worker.Session {
	r.mu.RLock()
	ids := r.modelIndex[modelName]
	candidates := make([]*worker.Session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok && s.State() == worker.StateServing {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].ID().String() < candidates[j].ID().String()
	})
	return candidates
}

// Subscribe registers an observer and returns its delivery channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (r *Registry) Subscribe() (<-chan RegistryEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSubID++
	id := r.nextSubID
	ch := make(chan RegistryEvent, r.subChanDepth)
	r.subscribers = append(r.subscribers, subscriberEntry{id: id, ch: ch})

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, entry := range r.subscribers {
			if entry.id == id {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				close(entry.ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// publish fans an event out to every current subscriber without blocking on
// a slow one; a full channel drops the event and logs it, since registry
// mutation must never await with the lock held.
func (r *Registry) publish(evt RegistryEvent) {
	r.mu.RLock()
	subs := make([]subscriberEntry, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, entry := range subs {
		select {
		case entry.ch <- evt:
		default:
			r.logger.Warn("subscriber channel full, dropping registry event",
				"subscriber_id", entry.id, "event_kind", evt.Kind, "worker_id", evt.WorkerID.String())
		}
	}
}
