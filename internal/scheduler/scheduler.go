// Package scheduler implements the Inference Scheduler (spec §4.3):
// admission against the model catalog, score-based placement over the
// Active Worker Registry, dispatch and streaming, per-request timers, and
// retry/failover bounded by at-most-once downstream visibility.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
	"github.com/ocx/gpufabric/internal/registry"
	"github.com/ocx/gpufabric/internal/worker"
)

// Catalog is the read-only model lookup the scheduler needs for admission;
// satisfied by internal/modelcatalog.Catalog.
type Catalog interface {
	Lookup(modelName string) (device.ModelDescriptor, bool)
}

// Error codes a worker may report on InferError; the wire format carries
// only a uint8 (spec §6), so the mapping to a retry/no-retry decision is a
// scheduler-side convention rather than a protocol-level one.
const (
	ErrCodeTransient  uint8 = 0
	ErrCodeWorkerGone uint8 = 1
)

var (
	// ErrUnknownModel, ErrModelDisabled, ErrNoCapacity are returned
	// synchronously from Submit when the request is rejected before any
	// job bookkeeping is created; in every other case the terminal
	// outcome is reported asynchronously via Sink.Done.
	ErrUnknownModel  = errors.New("scheduler: unknown model")
	ErrModelDisabled = errors.New("scheduler: model disabled")
	ErrNoCapacity    = errors.New("scheduler: queue full, no capacity")
)

// Config carries the tunables named in spec §4.3.
type Config struct {
	WeightFree            float64
	WeightPerf            float64
	WeightVRAM            float64
	WeightTherm           float64
	WeightRTT             float64
	ReferenceMaxTFlops    uint32
	ReferenceMaxRTTMillis uint32
	MaxQueuePerModel      int
	MaxAttempts           uint8
	MaxRequestTime        time.Duration
	TokenIdleTimeout      time.Duration
}

// Scheduler owns the in-flight job table and the per-model pending queues.
// The registry map and the scheduler's own state are separate locks; the
// scheduler never calls into a session while holding its own mutex, per the
// "never awaits with a lock held" rule in spec §5.
type Scheduler struct {
	reg     *registry.Registry
	catalog Catalog
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	inflight map[uuid.UUID]*job
	queues   map[string][]*job

	unsubscribe func()
}

// New wires a Scheduler to reg and catalog and starts its registry-event
// listener goroutine (re-evaluates pending queues on Added/CapabilityChanged,
// fails in-flight jobs on Removed).
func New(reg *registry.Registry, catalog Catalog, cfg Config) *Scheduler {
	if cfg.MaxQueuePerModel <= 0 {
		cfg.MaxQueuePerModel = 64
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.MaxRequestTime == 0 {
		cfg.MaxRequestTime = 120 * time.Second
	}
	if cfg.TokenIdleTimeout == 0 {
		cfg.TokenIdleTimeout = 30 * time.Second
	}
	if cfg.ReferenceMaxTFlops == 0 {
		cfg.ReferenceMaxTFlops = 500
	}
	if cfg.ReferenceMaxRTTMillis == 0 {
		cfg.ReferenceMaxRTTMillis = 500
	}

	s := &Scheduler{
		reg:      reg,
		catalog:  catalog,
		cfg:      cfg,
		logger:   slog.Default().With("component", "scheduler"),
		inflight: make(map[uuid.UUID]*job),
		queues:   make(map[string][]*job),
	}

	events, unsubscribe := reg.Subscribe()
	s.unsubscribe = unsubscribe
	go s.consumeRegistryEvents(events)
	return s
}

// Close stops the registry-event listener. Call on shutdown.
func (s *Scheduler) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Scheduler) consumeRegistryEvents(events <-chan registry.RegistryEvent) {
	for evt := range events {
		switch evt.Kind {
		case registry.EventAdded, registry.EventCapabilityChanged:
			// The event does not carry which model changed, so every
			// pending queue is re-evaluated; queue re-evaluation is cheap
			// (a placement attempt per head-of-line job) relative to a
			// worker join/capability change, which is rare.
			s.reevaluateAll()
		case registry.EventRemoved:
			s.handleWorkerGone(evt.WorkerID)
		}
	}
}

// clip01 bounds x to [0, 1].
func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func (s *Scheduler) score(sess *worker.Session, requiredVRAMGB uint32) float64 {
	snap := sess.Snapshot()
	sample := sess.LastSample()

	free := 1 - float64(sess.InFlight())/float64(sess.MaxInFlight())
	perf := clip01(float64(snap.TotalTFlops) / float64(s.cfg.ReferenceMaxTFlops))
	vramDenom := requiredVRAMGB
	if vramDenom == 0 {
		vramDenom = 1
	}
	vramTerm := clip01(float64(snap.VRAMGB) / float64(vramDenom))
	thermPenalty := math.Max(0, float64(sample.TempC)-75) / 45
	rttTerm := clip01(float64(sess.RTT()) / float64(s.cfg.ReferenceMaxRTTMillis))

	return s.cfg.WeightFree*free + s.cfg.WeightPerf*perf + s.cfg.WeightVRAM*vramTerm -
		s.cfg.WeightTherm*thermPenalty - s.cfg.WeightRTT*rttTerm
}

func (s *Scheduler) eligible(sess *worker.Session, requiredVRAMGB uint32) bool {
	if sess.State() != worker.StateServing {
		return false
	}
	if sess.InFlight() >= sess.MaxInFlight() {
		return false
	}
	if sess.LastSample().MemPct > 92 {
		return false
	}
	return sess.Snapshot().VRAMGB >= requiredVRAMGB
}

// Submit admits req, then either dispatches it immediately or enqueues it
// for later placement. A non-nil error means req was rejected synchronously
// and Sink.Done was NOT called — the caller (gateway) maps the error to an
// HTTP status directly.
func (s *Scheduler) Submit(req InferenceRequest) error {
	descriptor, ok := s.catalog.Lookup(req.ModelName)
	if !ok {
		return ErrUnknownModel
	}
	if !descriptor.Active {
		return ErrModelDisabled
	}

	j := &job{
		req:            req,
		requiredVRAMGB: descriptor.MinVRAMGB,
		triedWorkers:   make(map[device.WorkerId]struct{}),
	}

	s.mu.Lock()
	s.inflight[req.ReqID] = j
	s.mu.Unlock()

	if s.tryPlace(j) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[req.ModelName]
	if len(q) >= s.cfg.MaxQueuePerModel {
		delete(s.inflight, req.ReqID)
		return ErrNoCapacity
	}
	s.queues[req.ModelName] = append(q, j)
	return nil
}

// tryPlace attempts one placement decision for j, excluding workers already
// in j.triedWorkers. Returns true iff dispatch succeeded.
func (s *Scheduler) tryPlace(j *job) bool {
	requiredVRAMGB := j.requiredVRAMGB
	candidates := s.reg.SnapshotByModel(j.req.ModelName, func(sess *worker.Session) float64 {
		return s.score(sess, requiredVRAMGB)
	})

	s.mu.Lock()
	tried := make(map[device.WorkerId]struct{}, len(j.triedWorkers))
	for id := range j.triedWorkers {
		tried[id] = struct{}{}
	}
	s.mu.Unlock()

	for _, sess := range candidates {
		if _, skip := tried[sess.ID()]; skip {
			continue
		}
		if !s.eligible(sess, requiredVRAMGB) {
			continue
		}
		if !sess.TryAcquireSlot() {
			continue
		}
		s.dispatch(j, sess)
		return true
	}
	return false
}

func (s *Scheduler) dispatch(j *job, sess *worker.Session) {
	now := time.Now()

	s.mu.Lock()
	j.assigned = sess.ID()
	j.attempt++
	j.triedWorkers[sess.ID()] = struct{}{}
	j.startedAt = now
	j.lastTokenAt = now
	deadline := j.req.Deadline
	maxDeadline := now.Add(s.cfg.MaxRequestTime)
	if deadline.IsZero() || deadline.After(maxDeadline) {
		deadline = maxDeadline
	}
	j.deadlineTimer = time.AfterFunc(time.Until(deadline), func() { s.onDeadline(j.req.ReqID) })
	j.idleTimer = time.AfterFunc(s.cfg.TokenIdleTimeout, func() { s.onIdleTimeout(j.req.ReqID) })
	s.mu.Unlock()

	start := protocol.InferStart{
		ReqID:       reqIDToWire(j.req.ReqID),
		ModelName:   j.req.ModelName,
		Prompt:      j.req.Prompt,
		MaxTokens:   j.req.MaxTokens,
		Temperature: j.req.Temperature,
		Stream:      j.req.Stream,
	}
	payload, err := start.Marshal()
	if err != nil {
		s.failJob(j, worker.CloseProtocolError, OutcomeTransientError)
		return
	}
	if err := sess.Enqueue(protocol.NewFrame(protocol.KindInferStart, payload)); err != nil {
		// Outgoing queue full (Busy): the worker is treated as
		// temporarily ineligible and the job returns to placement.
		sess.ReleaseSlot()
		s.stopTimers(j)
		if !s.tryPlace(j) {
			s.requeue(j)
		}
	}
}

func (s *Scheduler) stopTimers(j *job) {
	if j.deadlineTimer != nil {
		j.deadlineTimer.Stop()
	}
	if j.idleTimer != nil {
		j.idleTimer.Stop()
	}
}

func (s *Scheduler) requeue(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[j.req.ModelName]
	if len(q) >= s.cfg.MaxQueuePerModel {
		delete(s.inflight, j.req.ReqID)
		j.req.Sink.Done(OutcomeNoCapacity, j.tokensEmitted)
		return
	}
	s.queues[j.req.ModelName] = append(q, j)
}

// HandleChunk forwards one InferChunk from workerID, dropping it if it
// arrives for a job no longer tracked or assigned elsewhere (a late frame
// after cancellation, timeout, or retry).
func (s *Scheduler) HandleChunk(workerID device.WorkerId, chunk protocol.InferChunk) {
	reqID := uuid.UUID(chunk.ReqID)
	s.mu.Lock()
	j, ok := s.inflight[reqID]
	if !ok || j.assigned != workerID {
		s.mu.Unlock()
		return
	}
	j.emittedAnyChunk = true
	j.tokensEmitted++
	j.lastTokenAt = time.Now()
	if j.idleTimer != nil {
		j.idleTimer.Reset(s.cfg.TokenIdleTimeout)
	}
	s.mu.Unlock()

	j.req.Sink.Chunk(chunk.TokenBytes)
}

// HandleEnd completes a job successfully (or with a reason that does not
// warrant retry), releases the worker's slot, and fires queue
// re-evaluation.
func (s *Scheduler) HandleEnd(workerID device.WorkerId, end protocol.InferEnd) {
	reqID := uuid.UUID(end.ReqID)
	s.mu.Lock()
	j, ok := s.inflight[reqID]
	if !ok || j.assigned != workerID {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, reqID)
	s.stopTimers(j)
	s.mu.Unlock()

	if sess, ok := s.reg.Get(workerID); ok {
		sess.ReleaseSlot()
	}

	outcome := OutcomeOK
	if end.Reason == protocol.EndReasonCancelled {
		outcome = OutcomeCancelled
	}
	j.req.Sink.Done(outcome, end.TokensUsed)
	s.reevaluateModel(j.req.ModelName)
}

// HandleError fails the current attempt. A job that already streamed at
// least one chunk downstream is never retried (at-most-once visibility);
// it surfaces as PartialResponse instead.
func (s *Scheduler) HandleError(workerID device.WorkerId, errFrame protocol.InferError) {
	reqID := uuid.UUID(errFrame.ReqID)
	s.mu.Lock()
	j, ok := s.inflight[reqID]
	if !ok || j.assigned != workerID {
		s.mu.Unlock()
		return
	}
	s.stopTimers(j)
	alreadyStreamed := j.emittedAnyChunk
	canRetry := !alreadyStreamed && j.attempt < s.cfg.MaxAttempts && errFrame.Code != ErrCodeWorkerGone
	if !canRetry {
		delete(s.inflight, reqID)
	}
	s.mu.Unlock()

	if sess, ok := s.reg.Get(workerID); ok {
		sess.ReleaseSlot()
	}

	if alreadyStreamed {
		j.req.Sink.Done(OutcomePartialResponse, j.tokensEmitted)
		return
	}
	if canRetry {
		if !s.tryPlace(j) {
			s.requeue(j)
		}
		return
	}

	outcome := OutcomeTransientError
	if errFrame.Code == ErrCodeWorkerGone {
		outcome = OutcomeWorkerGone
	}
	j.req.Sink.Done(outcome, j.tokensEmitted)
}

// Cancel asks the assigned worker to abandon reqID and removes it from the
// in-flight table; any late InferChunk/InferEnd for it is dropped.
func (s *Scheduler) Cancel(reqID uuid.UUID) error {
	s.mu.Lock()
	j, ok := s.inflight[reqID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: request %s not in flight", reqID)
	}
	delete(s.inflight, reqID)
	s.stopTimers(j)
	assigned := j.assigned
	s.mu.Unlock()

	sess, ok := s.reg.Get(assigned)
	if ok {
		sess.ReleaseSlot()
		payload := protocol.Cancel{ReqID: reqIDToWire(reqID)}.Marshal()
		_ = sess.Enqueue(protocol.NewFrame(protocol.KindCancel, payload))
	}
	j.req.Sink.Done(OutcomeCancelled, j.tokensEmitted)
	return nil
}

func (s *Scheduler) onDeadline(reqID uuid.UUID) {
	s.terminateWithTimeout(reqID, OutcomeTimeout)
}

func (s *Scheduler) onIdleTimeout(reqID uuid.UUID) {
	s.terminateWithTimeout(reqID, OutcomeTokenIdle)
}

func (s *Scheduler) terminateWithTimeout(reqID uuid.UUID, outcome Outcome) {
	s.mu.Lock()
	j, ok := s.inflight[reqID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, reqID)
	s.stopTimers(j)
	assigned := j.assigned
	s.mu.Unlock()

	if sess, ok := s.reg.Get(assigned); ok {
		sess.ReleaseSlot()
		payload := protocol.Cancel{ReqID: reqIDToWire(reqID)}.Marshal()
		_ = sess.Enqueue(protocol.NewFrame(protocol.KindCancel, payload))
	}
	if outcome == OutcomeTimeout && j.emittedAnyChunk {
		outcome = OutcomePartialResponse
	}
	j.req.Sink.Done(outcome, j.tokensEmitted)
}

func (s *Scheduler) failJob(j *job, _ worker.CloseCause, outcome Outcome) {
	s.mu.Lock()
	delete(s.inflight, j.req.ReqID)
	s.stopTimers(j)
	s.mu.Unlock()
	j.req.Sink.Done(outcome, j.tokensEmitted)
}

// handleWorkerGone fails or retries every job assigned to a worker the
// Registry just removed.
func (s *Scheduler) handleWorkerGone(workerID device.WorkerId) {
	s.mu.Lock()
	var affected []*job
	for _, j := range s.inflight {
		if j.assigned == workerID {
			affected = append(affected, j)
		}
	}
	s.mu.Unlock()

	for _, j := range affected {
		s.mu.Lock()
		s.stopTimers(j)
		alreadyStreamed := j.emittedAnyChunk
		canRetry := !alreadyStreamed && j.attempt < s.cfg.MaxAttempts
		if !canRetry {
			delete(s.inflight, j.req.ReqID)
		}
		s.mu.Unlock()

		switch {
		case alreadyStreamed:
			j.req.Sink.Done(OutcomePartialResponse, j.tokensEmitted)
		case canRetry:
			if !s.tryPlace(j) {
				s.requeue(j)
			}
		default:
			j.req.Sink.Done(OutcomeWorkerGone, j.tokensEmitted)
		}
	}
}

func (s *Scheduler) reevaluateModel(modelName string) {
	for {
		s.mu.Lock()
		q := s.queues[modelName]
		if len(q) == 0 {
			s.mu.Unlock()
			return
		}
		j := q[0]
		s.mu.Unlock()

		if !s.tryPlace(j) {
			return
		}

		s.mu.Lock()
		q = s.queues[modelName]
		if len(q) > 0 && q[0] == j {
			s.queues[modelName] = q[1:]
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) reevaluateAll() {
	s.mu.Lock()
	models := make([]string, 0, len(s.queues))
	for m := range s.queues {
		models = append(models, m)
	}
	s.mu.Unlock()

	for _, m := range models {
		s.reevaluateModel(m)
	}
}
