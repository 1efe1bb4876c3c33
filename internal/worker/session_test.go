package worker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gpufabric/internal/device"
)

func newTestSession(t *testing.T) (*Session, Transport) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	s := NewSession(device.WorkerId{7}, NewTCPTransport(a), Config{MaxInFlight: 2})
	return s, NewTCPTransport(b)
}

func TestSessionLifecycleTransitions(t *testing.T) {
	s, _ := newTestSession(t)
	assert.Equal(t, StateHandshaking, s.State())

	require.Error(t, s.MarkServing(device.Snapshot{}, nil), "cannot serve before auth")

	require.NoError(t, s.MarkAuthed(42))
	assert.Equal(t, StateAuthed, s.State())
	assert.Equal(t, uint64(42), s.Epoch())
	require.Error(t, s.MarkAuthed(43), "cannot re-authenticate")

	models := []device.ModelDescriptor{{Name: "llama-3-8b", Version: "v1"}}
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 10, VRAMGB: 24}, models))
	assert.Equal(t, StateServing, s.State())
	assert.True(t, s.HasModel("llama-3-8b"))
	assert.False(t, s.HasModel("unknown-model"))

	require.NoError(t, s.Drain())
	assert.Equal(t, StateDraining, s.State())
	assert.False(t, s.ReadyForDispatch())
	assert.True(t, s.CanDrainNow())

	s.Close(CloseShutdown)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CloseShutdown, s.CloseCause())

	s.Close(CloseIoError)
	assert.Equal(t, CloseShutdown, s.CloseCause(), "close is idempotent, cause does not change on second call")
}

func TestSessionSlotAcquisitionEnforcesMaxInFlight(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.MarkAuthed(1))
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 1}, nil))

	assert.True(t, s.TryAcquireSlot())
	assert.True(t, s.TryAcquireSlot())
	assert.False(t, s.TryAcquireSlot(), "max_in_flight is 2, third acquire must fail")
	assert.Equal(t, uint16(2), s.InFlight())

	s.ReleaseSlot()
	assert.Equal(t, uint16(1), s.InFlight())
	assert.True(t, s.TryAcquireSlot())

	s.ReleaseSlot()
	s.ReleaseSlot()
	s.ReleaseSlot()
	assert.Equal(t, uint16(0), s.InFlight(), "release below zero must not underflow")
}

func TestSessionSlotAcquisitionWithZeroMaxInFlightAlwaysFails(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	s := NewSession(device.WorkerId{7}, NewTCPTransport(a), Config{MaxInFlight: 0})

	require.NoError(t, s.MarkAuthed(1))
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 1}, nil))

	assert.Equal(t, uint16(0), s.MaxInFlight(), "max_in_flight = 0 must not be silently defaulted")
	assert.False(t, s.TryAcquireSlot(), "max_in_flight = 0 must reject every acquisition")
}

func TestSessionTryAcquireSlotRequiresServing(t *testing.T) {
	s, _ := newTestSession(t)
	assert.False(t, s.TryAcquireSlot(), "handshaking session must reject acquisition")
	require.NoError(t, s.MarkAuthed(1))
	assert.False(t, s.TryAcquireSlot(), "authed-but-not-serving session must reject acquisition")
}

func TestSessionRecordHeartbeatClampsAndFlags(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.MarkAuthed(1))
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 1}, nil))

	flagged := s.RecordHeartbeat(device.TelemetrySample{UsagePct: 255, MemPct: 50, TempC: 200, PowerW: 5000})
	assert.True(t, flagged)
	sample := s.LastSample()
	assert.Equal(t, uint8(100), sample.UsagePct)
	assert.Equal(t, uint8(120), sample.TempC)
	assert.Equal(t, uint16(1000), sample.PowerW)

	flagged = s.RecordHeartbeat(device.TelemetrySample{UsagePct: 10, MemPct: 10, TempC: 40, PowerW: 100})
	assert.False(t, flagged)
}

func TestSessionIsStale(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.MarkAuthed(1))
	require.NoError(t, s.MarkServing(device.Snapshot{DeviceCount: 1, TotalTFlops: 1}, nil))

	now := time.Now()
	assert.False(t, s.IsStale(now, 15*time.Second))
	assert.True(t, s.IsStale(now.Add(20*time.Second), 15*time.Second))
}
