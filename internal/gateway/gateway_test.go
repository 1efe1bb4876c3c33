package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/registry"
	"github.com/ocx/gpufabric/internal/scheduler"
	"github.com/ocx/gpufabric/internal/worker"
)

// fakeSubmitter stands in for *scheduler.Scheduler: Submit runs a
// scripted sequence of sink calls synchronously so tests never need to
// sleep waiting for a real placement/dispatch cycle.
type fakeSubmitter struct {
	submitErr error
	chunks    [][]byte
	outcome   scheduler.Outcome
	tokens    uint32
	cancelled []uuid.UUID
}

func (f *fakeSubmitter) Submit(req scheduler.InferenceRequest) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	for _, c := range f.chunks {
		req.Sink.Chunk(c)
	}
	req.Sink.Done(f.outcome, f.tokens)
	return nil
}

func (f *fakeSubmitter) Cancel(reqID uuid.UUID) error {
	f.cancelled = append(f.cancelled, reqID)
	return nil
}

type fakeModelLister struct {
	models []device.ModelDescriptor
}

func (f fakeModelLister) All() []device.ModelDescriptor { return f.models }

func newTestGateway(sub *fakeSubmitter, models []device.ModelDescriptor, reg *registry.Registry) *Gateway {
	if reg == nil {
		reg = registry.New(8)
	}
	return New(sub, fakeModelLister{models: models}, reg, time.Minute)
}

func TestCompletionsNonStreamingSuccess(t *testing.T) {
	sub := &fakeSubmitter{chunks: [][]byte{[]byte("hello "), []byte("world")}, outcome: scheduler.OutcomeOK, tokens: 2}
	g := newTestGateway(sub, nil, nil)

	body := strings.NewReader(`{"model":"llama-3-8b","prompt":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", body)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello world")
}

func TestCompletionsMissingModelReturnsBadRequest(t *testing.T) {
	sub := &fakeSubmitter{outcome: scheduler.OutcomeOK}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletionsUnknownModelReturns404(t *testing.T) {
	sub := &fakeSubmitter{submitErr: scheduler.ErrUnknownModel}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"ghost","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompletionsModelDisabledReturns409(t *testing.T) {
	sub := &fakeSubmitter{submitErr: scheduler.ErrModelDisabled}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"retired","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCompletionsNoCapacityReturns503WithRetryAfter(t *testing.T) {
	sub := &fakeSubmitter{submitErr: scheduler.ErrNoCapacity}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"llama-3-8b","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCompletionsTimeoutReturns504(t *testing.T) {
	sub := &fakeSubmitter{outcome: scheduler.OutcomeTimeout}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"llama-3-8b","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestCompletionsPartialResponseReturns200WithTruncationHeader(t *testing.T) {
	sub := &fakeSubmitter{chunks: [][]byte{[]byte("partial")}, outcome: scheduler.OutcomePartialResponse, tokens: 1}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"llama-3-8b","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Completion-Truncated"))
}

func TestChatCompletionsStreamingEmitsSSE(t *testing.T) {
	sub := &fakeSubmitter{chunks: [][]byte{[]byte("foo"), []byte("bar")}, outcome: scheduler.OutcomeOK, tokens: 2}
	g := newTestGateway(sub, nil, nil)

	body := strings.NewReader(`{"model":"llama-3-8b","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: foo")
	assert.Contains(t, rec.Body.String(), "data: bar")
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestCancelledOutcomeReturns499(t *testing.T) {
	sub := &fakeSubmitter{outcome: scheduler.OutcomeCancelled}
	g := newTestGateway(sub, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"llama-3-8b","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, 499, rec.Code)
}

func TestModelsListsActiveModels(t *testing.T) {
	models := []device.ModelDescriptor{{Name: "llama-3-8b", Active: true}}
	g := newTestGateway(&fakeSubmitter{}, models, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Models []device.ModelDescriptor `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Models, 1)
	assert.Equal(t, "llama-3-8b", out.Models[0].Name)
}

func newRegisteredSession(t *testing.T, id device.WorkerId, reg *registry.Registry) *worker.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	peer := worker.NewTCPTransport(b)
	go func() {
		for {
			if _, err := peer.ReadFrame(); err != nil {
				return
			}
		}
	}()

	s := worker.NewSession(id, worker.NewTCPTransport(a), worker.Config{MaxInFlight: 4})
	require.NoError(t, s.MarkAuthed(1))
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 50, VRAMGB: 24}, nil))
	require.NoError(t, reg.Insert(s))
	return s
}

func TestDevicesListsRegisteredSessions(t *testing.T) {
	reg := registry.New(8)
	id := device.WorkerId{9}
	newRegisteredSession(t, id, reg)

	g := newTestGateway(&fakeSubmitter{}, nil, reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out []deviceSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, id.String(), out[0].WorkerID)
	assert.Equal(t, uint32(24), out[0].VRAMGB)
}

func TestDeviceStatusNotFoundForUnknownID(t *testing.T) {
	reg := registry.New(8)
	g := newTestGateway(&fakeSubmitter{}, nil, reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+device.WorkerId{1}.String()+"/status", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
