package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkerIdRoundTrips(t *testing.T) {
	var want WorkerId
	for i := range want {
		want[i] = byte(i)
	}
	got, err := ParseWorkerId(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseWorkerIdRejectsWrongLength(t *testing.T) {
	_, err := ParseWorkerId("abcd")
	assert.Error(t, err)
}

func TestParseWorkerIdRejectsNonHex(t *testing.T) {
	_, err := ParseWorkerId("not-hex-at-all-00000000000000")
	assert.Error(t, err)
}

func TestOSClassString(t *testing.T) {
	assert.Equal(t, "linux", OSLinux.String())
	assert.Equal(t, "windows", OSWindows.String())
	assert.Equal(t, "other", OSClass(200).String())
}

func TestEngineClassString(t *testing.T) {
	assert.Equal(t, "cuda", EngineCUDA.String())
	assert.Equal(t, "llamacpp", EngineLlamaCpp.String())
	assert.Equal(t, "other", EngineClass(200).String())
}

func TestSnapshotValid(t *testing.T) {
	assert.True(t, Snapshot{DeviceCount: 1, TotalTFlops: 10, VRAMGB: 8}.Valid())
	assert.True(t, Snapshot{DeviceCount: 1, TotalTFlops: 10, EngineClass: EngineCPU}.Valid())
	assert.False(t, Snapshot{DeviceCount: 0, TotalTFlops: 10, VRAMGB: 8}.Valid(), "zero devices must fail admission")
	assert.False(t, Snapshot{DeviceCount: 1, TotalTFlops: 0, VRAMGB: 8}.Valid(), "zero tflops must fail admission")
	assert.False(t, Snapshot{DeviceCount: 1, TotalTFlops: 10}.Valid(), "non-CPU engine with no VRAM must fail admission")
}

func TestModelDescriptorKey(t *testing.T) {
	m := ModelDescriptor{Name: "llama-3-8b", Version: "1.2.0"}
	assert.Equal(t, "llama-3-8b@1.2.0", m.Key())
}

func TestTelemetrySampleClamp(t *testing.T) {
	s, flagged := TelemetrySample{UsagePct: 150, MemPct: 101, TempC: 200, PowerW: 5000}.Clamp()
	assert.True(t, flagged)
	assert.Equal(t, uint8(100), s.UsagePct)
	assert.Equal(t, uint8(100), s.MemPct)
	assert.Equal(t, uint8(120), s.TempC)
	assert.Equal(t, uint16(1000), s.PowerW)

	unchanged, flagged := TelemetrySample{UsagePct: 50, MemPct: 40, TempC: 70, PowerW: 300}.Clamp()
	assert.False(t, flagged)
	assert.Equal(t, uint8(50), unchanged.UsagePct)
}
