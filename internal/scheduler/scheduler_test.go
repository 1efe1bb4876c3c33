package scheduler

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
	"github.com/ocx/gpufabric/internal/registry"
	"github.com/ocx/gpufabric/internal/worker"
)

type fakeCatalog map[string]device.ModelDescriptor

func (c fakeCatalog) Lookup(name string) (device.ModelDescriptor, bool) {
	d, ok := c[name]
	return d, ok
}

// recordingSink collects chunks and the terminal outcome, signalling done
// on a channel so tests can wait for it without sleeping.
type recordingSink struct {
	mu      sync.Mutex
	chunks  [][]byte
	done    chan struct{}
	outcome Outcome
	tokens  uint32
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{})}
}

func (s *recordingSink) Chunk(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, b)
}

func (s *recordingSink) Done(outcome Outcome, tokensUsed uint32) {
	s.mu.Lock()
	s.outcome = outcome
	s.tokens = tokensUsed
	s.mu.Unlock()
	close(s.done)
}

func (s *recordingSink) waitDone(t *testing.T) Outcome {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink.Done was never called")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func newWorkerSession(t *testing.T, id device.WorkerId, epoch uint64, vramGB uint32, maxInFlight uint16) *worker.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	// Drain the peer side so the session's write loop never blocks a test
	// goroutine on an unread frame.
	go func() {
		tp := worker.NewTCPTransport(b)
		for {
			if _, err := tp.ReadFrame(); err != nil {
				return
			}
		}
	}()
	s := worker.NewSession(id, worker.NewTCPTransport(a), worker.Config{MaxInFlight: maxInFlight})
	require.NoError(t, s.MarkAuthed(epoch))
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 100, VRAMGB: vramGB}, nil))
	s.RecordHeartbeat(device.TelemetrySample{UsagePct: 10, MemPct: 10, TempC: 40})
	return s
}

func newTestScheduler(t *testing.T, catalog fakeCatalog) (*Scheduler, *registry.Registry) {
	t.Helper()
	reg := registry.New(16)
	cfg := Config{
		WeightFree:       0.4,
		WeightPerf:       0.3,
		WeightVRAM:       0.1,
		WeightTherm:      0.1,
		WeightRTT:        0.1,
		MaxQueuePerModel: 4,
		MaxAttempts:      2,
		MaxRequestTime:   time.Minute,
		TokenIdleTimeout: time.Minute,
	}
	s := New(reg, catalog, cfg)
	t.Cleanup(s.Close)
	return s, reg
}

func baseCatalog() fakeCatalog {
	return fakeCatalog{
		"llama-3-8b": device.ModelDescriptor{Name: "llama-3-8b", Active: true, MinVRAMGB: 16},
	}
}

func TestSubmitRejectsUnknownModel(t *testing.T) {
	s, _ := newTestScheduler(t, baseCatalog())
	err := s.Submit(InferenceRequest{ReqID: uuid.New(), ModelName: "nope", Sink: newRecordingSink()})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestSubmitRejectsDisabledModel(t *testing.T) {
	catalog := baseCatalog()
	catalog["disabled-model"] = device.ModelDescriptor{Name: "disabled-model", Active: false}
	s, _ := newTestScheduler(t, catalog)
	err := s.Submit(InferenceRequest{ReqID: uuid.New(), ModelName: "disabled-model", Sink: newRecordingSink()})
	assert.ErrorIs(t, err, ErrModelDisabled)
}

func TestSubmitDispatchesToHigherScoredEligibleWorker(t *testing.T) {
	s, reg := newTestScheduler(t, baseCatalog())

	busy := newWorkerSession(t, device.WorkerId{1}, 1, 24, 2)
	require.True(t, busy.TryAcquireSlot())
	require.True(t, busy.TryAcquireSlot()) // now 2/2, ineligible

	free := newWorkerSession(t, device.WorkerId{2}, 1, 24, 2)
	require.True(t, free.TryAcquireSlot()) // 1/2, still has a free slot

	require.NoError(t, reg.Insert(busy))
	require.NoError(t, reg.Insert(free))
	reg.IndexModel(busy, "llama-3-8b")
	reg.IndexModel(free, "llama-3-8b")

	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{
		ReqID: uuid.New(), ModelName: "llama-3-8b", MaxTokens: 32, Sink: sink,
	}))

	assert.Equal(t, uint16(2), free.InFlight(), "the eligible worker must receive the dispatch")
	assert.Equal(t, uint16(2), busy.InFlight(), "the full worker must stay untouched")
}

func TestSubmitQueuesThenDispatchesWhenWorkerJoinsLater(t *testing.T) {
	s, reg := newTestScheduler(t, baseCatalog())

	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{
		ReqID: uuid.New(), ModelName: "llama-3-8b", MaxTokens: 32, Sink: sink,
	}))

	// No worker yet: nothing to assert beyond "did not panic and stayed
	// queued". Now a worker joins; registry event must trigger placement.
	w := newWorkerSession(t, device.WorkerId{9}, 1, 24, 2)
	require.NoError(t, reg.Insert(w))
	reg.IndexModel(w, "llama-3-8b")

	require.Eventually(t, func() bool { return w.InFlight() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmitNoCapacityWhenQueueFull(t *testing.T) {
	s, _ := newTestScheduler(t, baseCatalog())
	// No worker registered, so every Submit queues; cfg.MaxQueuePerModel is 4.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Submit(InferenceRequest{
			ReqID: uuid.New(), ModelName: "llama-3-8b", Sink: newRecordingSink(),
		}))
	}
	err := s.Submit(InferenceRequest{ReqID: uuid.New(), ModelName: "llama-3-8b", Sink: newRecordingSink()})
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestHandleChunkThenHandleEndHappyPath(t *testing.T) {
	s, reg := newTestScheduler(t, baseCatalog())
	w := newWorkerSession(t, device.WorkerId{3}, 1, 24, 2)
	require.NoError(t, reg.Insert(w))
	reg.IndexModel(w, "llama-3-8b")

	reqID := uuid.New()
	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{ReqID: reqID, ModelName: "llama-3-8b", Sink: sink}))
	require.Equal(t, uint16(1), w.InFlight())

	s.HandleChunk(w.ID(), protocol.InferChunk{ReqID: reqIDToWire(reqID), TokenBytes: []byte("tok")})
	s.HandleEnd(w.ID(), protocol.InferEnd{ReqID: reqIDToWire(reqID), TokensUsed: 1, Reason: protocol.EndReasonStop})

	outcome := sink.waitDone(t)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, uint16(0), w.InFlight(), "slot must be released on end")
	assert.Len(t, sink.chunks, 1)
}

func TestHandleErrorRetriesWhenNoChunkEmittedYet(t *testing.T) {
	s, reg := newTestScheduler(t, baseCatalog())
	w1 := newWorkerSession(t, device.WorkerId{4}, 1, 24, 1)
	w2 := newWorkerSession(t, device.WorkerId{5}, 1, 24, 1)
	require.NoError(t, reg.Insert(w1))
	require.NoError(t, reg.Insert(w2))
	reg.IndexModel(w1, "llama-3-8b")
	reg.IndexModel(w2, "llama-3-8b")

	reqID := uuid.New()
	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{ReqID: reqID, ModelName: "llama-3-8b", Sink: sink}))

	var first, second *worker.Session
	if w1.InFlight() == 1 {
		first, second = w1, w2
	} else {
		first, second = w2, w1
	}

	s.HandleError(first.ID(), protocol.InferError{ReqID: reqIDToWire(reqID), Code: ErrCodeTransient})

	assert.Equal(t, uint16(0), first.InFlight(), "failed worker's slot must be released")
	assert.Equal(t, uint16(1), second.InFlight(), "retry must land on the other worker, excluding the failed one")
}

func TestHandleErrorSurfacesPartialResponseAfterChunkStreamed(t *testing.T) {
	s, reg := newTestScheduler(t, baseCatalog())
	w := newWorkerSession(t, device.WorkerId{6}, 1, 24, 1)
	require.NoError(t, reg.Insert(w))
	reg.IndexModel(w, "llama-3-8b")

	reqID := uuid.New()
	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{ReqID: reqID, ModelName: "llama-3-8b", Sink: sink}))

	s.HandleChunk(w.ID(), protocol.InferChunk{ReqID: reqIDToWire(reqID), TokenBytes: []byte("partial")})
	s.HandleError(w.ID(), protocol.InferError{ReqID: reqIDToWire(reqID), Code: ErrCodeTransient})

	outcome := sink.waitDone(t)
	assert.Equal(t, OutcomePartialResponse, outcome, "a job that already streamed output must never be retried")
}

func TestCancelRemovesJobAndDropsLateFrames(t *testing.T) {
	s, reg := newTestScheduler(t, baseCatalog())
	w := newWorkerSession(t, device.WorkerId{7}, 1, 24, 1)
	require.NoError(t, reg.Insert(w))
	reg.IndexModel(w, "llama-3-8b")

	reqID := uuid.New()
	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{ReqID: reqID, ModelName: "llama-3-8b", Sink: sink}))
	require.Equal(t, uint16(1), w.InFlight())

	require.NoError(t, s.Cancel(reqID))
	assert.Equal(t, OutcomeCancelled, sink.waitDone(t))
	assert.Equal(t, uint16(0), w.InFlight())

	// A late chunk for the cancelled request must be dropped, not delivered.
	s.HandleChunk(w.ID(), protocol.InferChunk{ReqID: reqIDToWire(reqID), TokenBytes: []byte("late")})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.chunks)
}

func TestHandleWorkerGoneFailsInFlightJobWithNoRetryLeft(t *testing.T) {
	reg := registry.New(16)
	cfg := Config{
		WeightFree: 0.4, WeightPerf: 0.3, WeightVRAM: 0.1, WeightTherm: 0.1, WeightRTT: 0.1,
		MaxQueuePerModel: 4,
		MaxAttempts:      1, // the one dispatch already used up every attempt
		MaxRequestTime:   time.Minute,
		TokenIdleTimeout: time.Minute,
	}
	s := New(reg, baseCatalog(), cfg)
	t.Cleanup(s.Close)

	w := newWorkerSession(t, device.WorkerId{8}, 1, 24, 1)
	require.NoError(t, reg.Insert(w))
	reg.IndexModel(w, "llama-3-8b")

	reqID := uuid.New()
	sink := newRecordingSink()
	require.NoError(t, s.Submit(InferenceRequest{ReqID: reqID, ModelName: "llama-3-8b", Sink: sink}))
	require.Equal(t, uint16(1), w.InFlight())

	// Only one worker is registered; once it is removed, the job has no
	// other candidate to retry onto and must fail as WorkerGone.
	reg.Remove(w.ID(), worker.CloseIoError)

	assert.Equal(t, OutcomeWorkerGone, sink.waitDone(t))
}
