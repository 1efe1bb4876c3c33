// Package worker implements the broker-side per-connection lifecycle of a
// GPU worker: the framed transport, the handshake, the outgoing write
// queue, and the state machine described in spec §3/§4.1.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
)

// State is a WorkerSession's lifecycle stage.
type State string

const (
	StateHandshaking State = "HANDSHAKING"
	StateAuthed       State = "AUTHED"
	StateServing      State = "SERVING"
	StateDraining     State = "DRAINING"
	StateClosed       State = "CLOSED"
)

// CloseCause records why a session was closed, for observability and for
// the Registry's RegistryEvent payload.
type CloseCause string

const (
	CloseNone             CloseCause = ""
	CloseProtocolError    CloseCause = "ProtocolError"
	CloseIoError          CloseCause = "IoError"
	CloseAuthTimeout      CloseCause = "AuthTimeout"
	CloseAuthRejected     CloseCause = "AuthRejected"
	CloseVersionMismatch  CloseCause = "VersionMismatch"
	CloseHeartbeatTimeout CloseCause = "HeartbeatTimeout"
	CloseShutdown         CloseCause = "Shutdown"
	ClosePreempted        CloseCause = "Preempted"
	CloseGoodbye          CloseCause = "Goodbye"
)

// Session is a single authenticated connection between one worker and the
// broker. It owns its transport's network halves and its outgoing write
// queue exclusively; the Registry only ever holds a weak reference to it.
type Session struct {
	mu sync.RWMutex

	id        device.WorkerId
	epoch     uint64
	state     State
	snapshot  device.Snapshot
	models    map[string]device.ModelDescriptor
	lastSample device.TelemetrySample

	inFlight    uint16
	maxInFlight uint16
	rttMillis   uint32

	connectedAt     time.Time
	lastHeartbeatAt time.Time
	closeCause      CloseCause

	transport Transport
	writer    *OutgoingWriter
}

// Config carries the fixed parameters used to construct a Session.
type Config struct {
	MaxInFlight       uint16
	OutgoingQueueSize int
}

// NewSession creates a session in the Handshaking state, not yet published
// to any registry. cfg.MaxInFlight is taken as-is, including zero — a
// worker that advertises max_in_flight = 0 must see every dispatch
// attempt fail with NoCapacity (spec §8), not silently get a default
// concurrency budget.
func NewSession(id device.WorkerId, t Transport, cfg Config) *Session {
	if cfg.OutgoingQueueSize == 0 {
		cfg.OutgoingQueueSize = 256
	}
	s := &Session{
		id:          id,
		state:       StateHandshaking,
		models:      make(map[string]device.ModelDescriptor),
		maxInFlight: cfg.MaxInFlight,
		connectedAt: time.Now(),
		transport:   t,
	}
	s.writer = NewOutgoingWriter(t, cfg.OutgoingQueueSize, func() { s.Close(CloseIoError) })
	return s
}

func (s *Session) ID() device.WorkerId { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// MarkAuthed transitions Handshaking -> Authed after a successful
// challenge/response exchange.
func (s *Session) MarkAuthed(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshaking {
		return fmt.Errorf("worker: cannot authenticate session in state %s", s.state)
	}
	s.state = StateAuthed
	s.epoch = epoch
	return nil
}

// MarkServing transitions Authed -> Serving once the first Snapshot has
// been validated; it is the caller's job to publish the session to the
// Registry immediately after this returns.
func (s *Session) MarkServing(snap device.Snapshot, models []device.ModelDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthed {
		return fmt.Errorf("worker: cannot serve session in state %s", s.state)
	}
	s.snapshot = snap
	s.models = make(map[string]device.ModelDescriptor, len(models))
	for _, m := range models {
		s.models[m.Name] = m
	}
	s.state = StateServing
	now := time.Now()
	s.connectedAt = now
	s.lastHeartbeatAt = now
	return nil
}

// Snapshot returns the immutable device snapshot captured at Serving time.
func (s *Session) Snapshot() device.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// HasModel reports whether the worker currently advertises modelName.
func (s *Session) HasModel(modelName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.models[modelName]
	return ok
}

// SetModels replaces the advertised model set, e.g. on a ModelList frame.
func (s *Session) SetModels(models []device.ModelDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = make(map[string]device.ModelDescriptor, len(models))
	for _, m := range models {
		s.models[m.Name] = m
	}
}

// RecordHeartbeat stores a clamped telemetry sample and refreshes
// liveness.
func (s *Session) RecordHeartbeat(sample device.TelemetrySample) (flagged bool) {
	clamped, flagged := sample.Clamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSample = clamped
	s.lastHeartbeatAt = time.Now()
	return flagged
}

// LastSample returns the most recent telemetry sample.
func (s *Session) LastSample() device.TelemetrySample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSample
}

// IsStale reports whether no heartbeat has arrived within window of now.
func (s *Session) IsStale(now time.Time, window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastHeartbeatAt) > window
}

// SetRTT records the most recent measured round-trip latency, used by the
// scheduler's placement score.
func (s *Session) SetRTT(millis uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rttMillis = millis
}

// RTT returns the last measured round-trip latency in milliseconds.
func (s *Session) RTT() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rttMillis
}

// InFlight returns the current in-flight job count.
func (s *Session) InFlight() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

func (s *Session) MaxInFlight() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxInFlight
}

// TryAcquireSlot increments in_flight iff the session is Serving and has
// spare capacity, enforcing `in_flight <= max_in_flight` atomically.
func (s *Session) TryAcquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateServing {
		return false
	}
	if s.inFlight >= s.maxInFlight {
		return false
	}
	s.inFlight++
	return true
}

// ReleaseSlot decrements in_flight; called on InferEnd/InferError/Cancel.
func (s *Session) ReleaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
}

// Drain transitions Serving -> Draining: no new InferStart dispatches are
// accepted, but in-flight jobs continue.
func (s *Session) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateServing {
		return fmt.Errorf("worker: cannot drain session in state %s", s.state)
	}
	s.state = StateDraining
	return nil
}

// ReadyForDispatch reports whether a new InferStart may be enqueued.
func (s *Session) ReadyForDispatch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateServing
}

// Close transitions the session to Closed idempotently, recording cause.
// It is safe to call from any state and from multiple goroutines.
func (s *Session) Close(cause CloseCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.closeCause = cause
	s.writer.Stop()
	_ = s.transport.Close()
}

func (s *Session) CloseCause() CloseCause {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeCause
}

// ReadFrame blocks for the next inbound frame from the worker.
func (s *Session) ReadFrame() (*protocol.Frame, error) {
	return s.transport.ReadFrame()
}

// Enqueue pushes a frame onto the outgoing writer queue. See
// OutgoingWriter.Enqueue for the backpressure contract.
func (s *Session) Enqueue(f *protocol.Frame) error {
	return s.writer.Enqueue(f)
}

// CanDrainNow reports whether a Draining session has no in-flight work
// left and may be fully closed.
func (s *Session) CanDrainNow() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateDraining && s.inFlight == 0
}
