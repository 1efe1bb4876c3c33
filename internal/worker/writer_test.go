package worker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
)

// failingTransport fails every WriteFrame, simulating a peer that stopped
// reading but left the connection technically open.
type failingTransport struct {
	mu     sync.Mutex
	closed bool
}

func (f *failingTransport) ReadFrame() (*protocol.Frame, error) { select {} }
func (f *failingTransport) WriteFrame(*protocol.Frame) error    { return errors.New("write: broken pipe") }
func (f *failingTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *failingTransport) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestOutgoingWriterInvokesOnErrorWhenWriteFails(t *testing.T) {
	onErrCh := make(chan struct{}, 1)
	w := NewOutgoingWriter(&failingTransport{}, 4, func() { onErrCh <- struct{}{} })
	defer w.Stop()

	require.NoError(t, w.Enqueue(protocol.NewFrame(protocol.KindHeartbeat, nil)))

	select {
	case <-onErrCh:
	case <-time.After(time.Second):
		t.Fatal("onError was not invoked after a failed write")
	}
}

func TestOutgoingWriterOnErrorIsOptional(t *testing.T) {
	w := NewOutgoingWriter(&failingTransport{}, 4, nil)
	defer w.Stop()

	assert.NotPanics(t, func() {
		_ = w.Enqueue(protocol.NewFrame(protocol.KindHeartbeat, nil))
		time.Sleep(50 * time.Millisecond)
	})
}

// TestSessionClosesWithIoErrorOnWriteFailure exercises the full path a
// broken write half must trigger end to end: a session whose writer can
// no longer reach its peer closes itself with IoError instead of waiting
// on an independent read failure that may never come.
func TestSessionClosesWithIoErrorOnWriteFailure(t *testing.T) {
	ft := &failingTransport{}
	s := NewSession(device.WorkerId{1}, ft, Config{MaxInFlight: 1})

	require.NoError(t, s.Enqueue(protocol.NewFrame(protocol.KindHeartbeat, nil)))

	require.Eventually(t, func() bool {
		return s.State() == StateClosed
	}, time.Second, 5*time.Millisecond, "session must close itself after a write failure")
	assert.Equal(t, CloseIoError, s.CloseCause())
	assert.True(t, ft.wasClosed(), "transport must be closed so a blocked read unblocks")
}
