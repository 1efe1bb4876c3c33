package worker

import (
	"errors"
	"sync"

	"github.com/ocx/gpufabric/internal/protocol"
)

// ErrBusy is returned by Enqueue when the outgoing queue is full. Per
// spec §4.1, a full queue on a ModelAssign push surfaces Busy to the
// caller; on an InferStart the scheduler instead treats the worker as
// temporarily ineligible and tries another candidate.
var ErrBusy = errors.New("worker: outgoing queue full")

// OutgoingWriter is the single-producer-per-session bounded write queue
// described in §4.1: one goroutine drains it onto the transport, so the
// session's write half is never touched concurrently from two goroutines.
type OutgoingWriter struct {
	queue   chan *protocol.Frame
	done    chan struct{}
	once    sync.Once
	onError func()
}

// NewOutgoingWriter creates a writer bound to t and starts its drain loop.
// onError is invoked at most once, from the drain goroutine, the moment a
// write to t fails — the session uses it to close itself with IoError so a
// broken write half doesn't wait on an independent read failure to notice
// (§4.1's "write error -> Closed with IoError").
func NewOutgoingWriter(t Transport, capacity int, onError func()) *OutgoingWriter {
	w := &OutgoingWriter{
		queue:   make(chan *protocol.Frame, capacity),
		done:    make(chan struct{}),
		onError: onError,
	}
	go w.run(t)
	return w
}

func (w *OutgoingWriter) run(t Transport) {
	for {
		select {
		case f, ok := <-w.queue:
			if !ok {
				return
			}
			if err := t.WriteFrame(f); err != nil {
				if w.onError != nil {
					w.onError()
				}
				return
			}
		case <-w.done:
			return
		}
	}
}

// Enqueue attempts a non-blocking send; it returns ErrBusy immediately if
// the queue is full rather than blocking the caller.
func (w *OutgoingWriter) Enqueue(f *protocol.Frame) error {
	select {
	case w.queue <- f:
		return nil
	default:
		return ErrBusy
	}
}

// Stop halts the drain loop; safe to call multiple times.
func (w *OutgoingWriter) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
}
