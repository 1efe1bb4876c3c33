package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/ocx/gpufabric/internal/scheduler"
)

// httpSink adapts one HTTP request/response pair to scheduler.Sink. In
// streaming mode each Chunk is flushed immediately as a server-sent event;
// in buffered mode chunks accumulate and the full body is written once on
// Done.
type httpSink struct {
	stream bool

	mu       sync.Mutex
	buf      bytes.Buffer
	flusher  http.Flusher
	started  bool
	w        http.ResponseWriter

	done    chan struct{}
	outcome scheduler.Outcome
	tokens  uint32
}

func newHTTPSink(w http.ResponseWriter, stream bool) *httpSink {
	s := &httpSink{stream: stream, w: w, done: make(chan struct{})}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Chunk is called by the scheduler in arrival order (spec §5 ordering
// guarantee). Streaming responses write one SSE `data:` frame per chunk;
// buffered responses just accumulate.
func (s *httpSink) Chunk(tokenBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stream {
		s.buf.Write(tokenBytes)
		return
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	fmt.Fprintf(s.w, "data: %s\n\n", escapeSSE(tokenBytes))
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Done is called exactly once, terminally, by the scheduler.
func (s *httpSink) Done(outcome scheduler.Outcome, tokensUsed uint32) {
	s.mu.Lock()
	s.outcome = outcome
	s.tokens = tokensUsed
	s.mu.Unlock()
	close(s.done)
}

func (s *httpSink) wait() { <-s.done }

// flushTerminal writes the final framing for this request once Done has
// fired: for a streaming response that already started, a `data: [DONE]`
// frame followed, for any outcome other than Ok (PartialResponse
// included), by an `event: error` frame naming the outcome; no HTTP
// trailer is written. For a buffered response, the full body with the
// status code spec §4.5 maps from outcome.
func (s *httpSink) flushTerminal(w http.ResponseWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream {
		if !s.started {
			// Nothing streamed before the terminal outcome; this is the
			// first and only write, so the status code still applies.
			writeOutcomeStatus(w, s.outcome, s.started)
			return
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
		if s.outcome != scheduler.OutcomeOK {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", s.outcome)
		}
		if s.flusher != nil {
			s.flusher.Flush()
		}
		return
	}

	status := outcomeStatus(s.outcome)
	if s.outcome == scheduler.OutcomePartialResponse {
		w.Header().Set("X-Completion-Truncated", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"text":%q,"tokens_used":%d,"outcome":%q}`, s.buf.String(), s.tokens, s.outcome)
}

// writeOutcomeStatus handles the case where a terminal outcome arrives
// before any bytes were streamed (e.g. NoCapacity, UnknownModel surfaced
// asynchronously rather than from Submit).
func writeOutcomeStatus(w http.ResponseWriter, outcome scheduler.Outcome, _ bool) {
	status := outcomeStatus(outcome)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, string(outcome))
}

// outcomeStatus implements the outcome→HTTP-status table in spec §4.5.
func outcomeStatus(outcome scheduler.Outcome) int {
	switch outcome {
	case scheduler.OutcomeOK, scheduler.OutcomePartialResponse:
		return http.StatusOK
	case scheduler.OutcomeUnknownModel:
		return http.StatusNotFound
	case scheduler.OutcomeModelDisabled:
		return http.StatusConflict
	case scheduler.OutcomeNoCapacity:
		return http.StatusServiceUnavailable
	case scheduler.OutcomeTimeout, scheduler.OutcomeTokenIdle:
		return http.StatusGatewayTimeout
	case scheduler.OutcomeWorkerGone, scheduler.OutcomeTransientError:
		// A worker loss or transient error after the request already
		// streamed chunks still reads as a 200 truncated response per
		// spec §4.5; httpSink only reaches this branch when nothing
		// streamed, so it's a clean 502 upstream failure instead.
		return http.StatusBadGateway
	case scheduler.OutcomeCancelled:
		return 499 // client closed request, nginx-convention status
	default:
		return http.StatusInternalServerError
	}
}

func escapeSSE(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\\n"))
}
