package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gpufabric/internal/device"
)

// Outcome is a terminal or transient result the scheduler reports back to
// the gateway, matching the error kinds named in spec §7.
type Outcome string

const (
	OutcomeOK              Outcome = "Ok"
	OutcomeUnknownModel    Outcome = "UnknownModel"
	OutcomeModelDisabled   Outcome = "ModelDisabled"
	OutcomeNoCapacity      Outcome = "NoCapacity"
	OutcomeTimeout         Outcome = "Timeout"
	OutcomeTokenIdle       Outcome = "TokenIdleTimeout"
	OutcomeWorkerGone      Outcome = "WorkerGone"
	OutcomeTransientError  Outcome = "TransientError"
	OutcomePartialResponse Outcome = "PartialResponse"
	OutcomeCancelled       Outcome = "Cancelled"
)

// Sink is the gateway-supplied destination for one request's streamed
// output. Chunk is called in arrival order; Done is called exactly once,
// terminally.
type Sink interface {
	Chunk(tokenBytes []byte)
	Done(outcome Outcome, tokensUsed uint32)
}

// InferenceRequest is the gateway's description of one inbound completion
// call (spec §3).
type InferenceRequest struct {
	ReqID       uuid.UUID
	ModelName   string
	Prompt      string
	MaxTokens   uint32
	Temperature float32
	Stream      bool
	Deadline    time.Time
	Sink        Sink
}

// job is the scheduler-internal bookkeeping record for one InferenceRequest,
// tracked across retries.
type job struct {
	req             InferenceRequest
	requiredVRAMGB  uint32
	assigned        device.WorkerId
	attempt         uint8
	triedWorkers    map[device.WorkerId]struct{}
	startedAt       time.Time
	lastTokenAt     time.Time
	tokensEmitted   uint32
	emittedAnyChunk bool
	finished        bool

	deadlineTimer *time.Timer
	idleTimer     *time.Timer
}

func reqIDToWire(id uuid.UUID) (out [16]byte) {
	copy(out[:], id[:])
	return out
}
