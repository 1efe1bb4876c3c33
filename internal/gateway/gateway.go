// Package gateway implements the Gateway Façade (spec §4.5): an
// OpenAI-compatible HTTP surface that parses and validates inbound
// completion requests, constructs InferenceRequests, streams chunks back
// over server-sent events, and translates terminal scheduler outcomes to
// stable HTTP statuses.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/modelcatalog"
	"github.com/ocx/gpufabric/internal/registry"
	"github.com/ocx/gpufabric/internal/scheduler"
)

// Submitter is the scheduler surface the gateway depends on; satisfied by
// *scheduler.Scheduler.
type Submitter interface {
	Submit(req scheduler.InferenceRequest) error
	Cancel(reqID uuid.UUID) error
}

// ModelLister is the catalog surface the /v1/models endpoint needs;
// satisfied by *modelcatalog.Catalog.
type ModelLister interface {
	All() []device.ModelDescriptor
}

// Gateway wires the scheduler, catalog, and registry to the HTTP surface
// named in spec §6.
type Gateway struct {
	scheduler Submitter
	catalog   ModelLister
	reg       *registry.Registry
	logger    *slog.Logger

	defaultRequestTimeout time.Duration
	limiter               *rateLimiter
}

// New constructs a Gateway. defaultRequestTimeout bounds requests that
// don't specify their own deadline.
func New(sched Submitter, catalog ModelLister, reg *registry.Registry, defaultRequestTimeout time.Duration) *Gateway {
	if defaultRequestTimeout <= 0 {
		defaultRequestTimeout = 120 * time.Second
	}
	return &Gateway{
		scheduler:             sched,
		catalog:               catalog,
		reg:                   reg,
		logger:                slog.Default().With("component", "gateway"),
		defaultRequestTimeout: defaultRequestTimeout,
		limiter:               newRateLimiter(RateLimitConfig{}),
	}
}

// Router builds the mux.Router exposing every route in spec §6.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(g.limiter.middleware)

	r.HandleFunc("/v1/completions", g.handleCompletions).Methods("POST")
	r.HandleFunc("/v1/chat/completions", g.handleChatCompletions).Methods("POST")
	r.HandleFunc("/v1/models", g.handleModels).Methods("GET")
	r.HandleFunc("/api/v1/devices", g.handleDevices).Methods("GET")
	r.HandleFunc("/api/v1/devices/{id}/status", g.handleDeviceStatus).Methods("GET")
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// completionRequest is the body shape for both /v1/completions (prompt)
// and /v1/chat/completions (messages), per spec §6.
type completionRequest struct {
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt,omitempty"`
	Messages    []chatMessage `json:"messages,omitempty"`
	MaxTokens   uint32        `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// flattenMessages joins a chat-style messages array into the single
// prompt string the scheduler/worker protocol carries; the wire protocol
// (spec §6) has no notion of a chat turn, so the gateway is the one place
// that format gets collapsed.
func flattenMessages(msgs []chatMessage) string {
	var out string
	for _, m := range msgs {
		out += m.Role + ": " + m.Content + "\n"
	}
	return out
}

func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g.submitAndRespond(w, r, body, body.Prompt)
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g.submitAndRespond(w, r, body, flattenMessages(body.Messages))
}

func (g *Gateway) submitAndRespond(w http.ResponseWriter, r *http.Request, body completionRequest, prompt string) {
	if body.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	reqID := uuid.New()
	sink := newHTTPSink(w, body.Stream)

	req := scheduler.InferenceRequest{
		ReqID:       reqID,
		ModelName:   body.Model,
		Prompt:      prompt,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stream:      body.Stream,
		Deadline:    time.Now().Add(g.defaultRequestTimeout),
		Sink:        sink,
	}

	if err := g.scheduler.Submit(req); err != nil {
		g.respondSubmitError(w, err)
		return
	}

	notify := r.Context().Done()
	go func() {
		<-notify
		g.scheduler.Cancel(reqID)
	}()

	sink.wait()
	sink.flushTerminal(w)
}

// respondSubmitError maps a synchronous Submit rejection to a status code
// per spec §4.5. Asynchronous outcomes (everything after admission) are
// handled by httpSink.flushTerminal instead.
func (g *Gateway) respondSubmitError(w http.ResponseWriter, err error) {
	switch err {
	case scheduler.ErrUnknownModel:
		writeError(w, http.StatusNotFound, "unknown model")
	case scheduler.ErrModelDisabled:
		writeError(w, http.StatusConflict, "model disabled")
	case scheduler.ErrNoCapacity:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "no capacity")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models := g.catalog.All()
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type deviceSummary struct {
	WorkerID  string `json:"worker_id"`
	State     string `json:"state"`
	VRAMGB    uint32 `json:"vram_gb"`
	InFlight  uint16 `json:"in_flight"`
	MaxFlight uint16 `json:"max_in_flight"`
	UsagePct  uint8  `json:"usage_pct"`
	MemPct    uint8  `json:"mem_pct"`
	TempC     uint8  `json:"temp_c"`
}

func (g *Gateway) handleDevices(w http.ResponseWriter, r *http.Request) {
	sessions := g.reg.All()
	out := make([]deviceSummary, 0, len(sessions))
	for _, s := range sessions {
		snap := s.Snapshot()
		sample := s.LastSample()
		out = append(out, deviceSummary{
			WorkerID:  s.ID().String(),
			State:     string(s.State()),
			VRAMGB:    snap.VRAMGB,
			InFlight:  s.InFlight(),
			MaxFlight: s.MaxInFlight(),
			UsagePct:  sample.UsagePct,
			MemPct:    sample.MemPct,
			TempC:     sample.TempC,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := device.ParseWorkerId(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	s, ok := g.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	snap := s.Snapshot()
	sample := s.LastSample()
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id":    s.ID().String(),
		"state":        string(s.State()),
		"epoch":        s.Epoch(),
		"snapshot":     snap,
		"telemetry":    sample,
		"in_flight":    s.InFlight(),
		"max_in_flight": s.MaxInFlight(),
		"rtt_ms":       s.RTT(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
