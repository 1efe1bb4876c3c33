// Package device holds the immutable and mutable data model a worker
// advertises to the broker: its hardware capability snapshot, the models
// it has materialized, and its live telemetry.
package device

import (
	"encoding/hex"
	"fmt"
)

// WorkerId is a 16-byte opaque identifier assigned at first handshake and
// stable across reconnects; the worker supplies it, the broker never mints
// one.
type WorkerId [16]byte

// String renders the id as lowercase hex, matching the teacher's SpokeID
// stringification style.
func (w WorkerId) String() string {
	return hex.EncodeToString(w[:])
}

// ParseWorkerId decodes a hex-encoded worker id of exactly 16 bytes.
func ParseWorkerId(s string) (WorkerId, error) {
	var w WorkerId
	b, err := hex.DecodeString(s)
	if err != nil {
		return w, fmt.Errorf("device: invalid worker id %q: %w", s, err)
	}
	if len(b) != len(w) {
		return w, fmt.Errorf("device: worker id must be %d bytes, got %d", len(w), len(b))
	}
	copy(w[:], b)
	return w, nil
}

// OSClass enumerates the host operating system families a worker may run
// on.
type OSClass uint8

const (
	OSLinux OSClass = iota
	OSWindows
	OSMacOS
	OSAndroid
	OSIOS
	OSOther
)

func (c OSClass) String() string {
	switch c {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	case OSMacOS:
		return "macos"
	case OSAndroid:
		return "android"
	case OSIOS:
		return "ios"
	default:
		return "other"
	}
}

// EngineClass enumerates the on-device inference runtime families.
type EngineClass uint8

const (
	EngineCUDA EngineClass = iota
	EngineMetal
	EngineVulkan
	EngineROCm
	EngineCPU
	EngineLlamaCpp
	EngineOther
)

func (c EngineClass) String() string {
	switch c {
	case EngineCUDA:
		return "cuda"
	case EngineMetal:
		return "metal"
	case EngineVulkan:
		return "vulkan"
	case EngineROCm:
		return "rocm"
	case EngineCPU:
		return "cpu"
	case EngineLlamaCpp:
		return "llamacpp"
	default:
		return "other"
	}
}

// Snapshot is the immutable capability description a worker advertises at
// session start. It is rebuilt wholesale on reconnect, never mutated
// in-place.
type Snapshot struct {
	DeviceCount uint16
	TotalTFlops uint32
	VRAMGB      uint32
	RAMGB       uint32
	VendorID    uint16
	DeviceID    uint16
	OSClass     OSClass
	EngineClass EngineClass
}

// Valid reports whether a freshly received snapshot satisfies the
// broker's admission checks (spec §4.1 step 5): at least one device,
// non-zero TotalTFlops, and non-zero VRAMGB unless the engine class is
// CPU. RAMGB is not checked.
func (s Snapshot) Valid() bool {
	return s.DeviceCount >= 1 && s.TotalTFlops > 0 && (s.VRAMGB > 0 || s.EngineClass == EngineCPU)
}

// ModelDescriptor names a model a worker has materialized, along with the
// minimum resources it demands. The `Active` flag and the descriptor
// itself are owned by the external catalog; a worker's advertised
// descriptor is compared against the catalog entry of the same name, not
// trusted on its own for activation state.
type ModelDescriptor struct {
	Name        string
	Version     string
	VersionCode uint32
	MinRAMMB    uint32
	MinVRAMGB   uint32
	EngineClass EngineClass
	Active      bool
}

// Key uniquely identifies a descriptor within one worker's advertised set.
func (m ModelDescriptor) Key() string {
	return m.Name + "@" + m.Version
}

// TelemetrySample is the mutable per-worker liveness sample sent on every
// heartbeat.
type TelemetrySample struct {
	UsagePct    uint8
	MemPct      uint8
	PowerW      uint16
	TempC       uint8
	NetRxBps    uint64
	NetTxBps    uint64
	MonotonicTS uint64
}

// Clamp enforces the invariants in spec §3 (`usage_pct, mem_pct ≤ 100`,
// `temp_c ≤ 120`, `power_w ≤ 1000`), returning the clamped sample and
// whether any field was out of range.
func (t TelemetrySample) Clamp() (TelemetrySample, bool) {
	flagged := false
	if t.UsagePct > 100 {
		t.UsagePct = 100
		flagged = true
	}
	if t.MemPct > 100 {
		t.MemPct = 100
		flagged = true
	}
	if t.TempC > 120 {
		t.TempC = 120
		flagged = true
	}
	if t.PowerW > 1000 {
		t.PowerW = 1000
		flagged = true
	}
	return t, flagged
}
