package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gpufabric/internal/device"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		NewFrame(KindHello, Hello{
			WorkerID:     device.WorkerId{1, 2, 3},
			ProtoVersion: 1,
			OSClass:      device.OSLinux,
			EngineClass:  device.EngineCUDA,
		}.Marshal()),
		NewFrame(KindAuthChallenge, AuthChallenge{Nonce: [16]byte{9}}.Marshal()),
		NewFrame(KindGoodbye, Goodbye{Reason: GoodbyeShutdown}.Marshal()),
		NewFrame(KindInferChunk, InferChunk{ReqID: ReqID{1}, TokenBytes: []byte("hello")}.Marshal()),
	}

	for _, f := range cases {
		data, err := f.Marshal()
		require.NoError(t, err)

		got, err := ReadFrame(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, f.Kind, got.Kind)
		assert.Equal(t, f.Payload, got.Payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := Snapshot{
		Device: device.Snapshot{
			DeviceCount: 1,
			TotalTFlops: 50,
			VRAMGB:      24,
			RAMGB:       64,
			OSClass:     device.OSLinux,
			EngineClass: device.EngineCUDA,
		},
		Models: []device.ModelDescriptor{
			{Name: "llama3", Version: "8b", VersionCode: 1, MinRAMMB: 4096, MinVRAMGB: 8, EngineClass: device.EngineCUDA, Active: true},
		},
	}
	data, err := snap.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Device, got.Device)
	require.Len(t, got.Models, 1)
	assert.Equal(t, snap.Models[0], got.Models[0])
}

func TestInferStartRoundTrip(t *testing.T) {
	m := InferStart{
		ReqID:       ReqID{5, 5, 5},
		ModelName:   "llama3",
		Prompt:      "hi",
		MaxTokens:   16,
		Temperature: 0.7,
		Stream:      true,
	}
	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalInferStart(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
