package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ocx/gpufabric/internal/device"
)

// Every payload below is encoded with fixed-width fields in network byte
// order, followed by length-prefixed strings where needed. This is the
// "authoritative encoding... declared once and used by all agents" the
// spec requires in §6; there is exactly one Marshal/Unmarshal pair per
// kind so broker and worker code share it.

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Hello is the worker's opening frame. MaxInFlight is the worker's own
// concurrency budget (spec §3's `max_in_flight`): the broker takes it
// as-is, including zero, rather than assuming a default.
type Hello struct {
	WorkerID     device.WorkerId
	ProtoVersion uint8
	OSClass      device.OSClass
	EngineClass  device.EngineClass
	MaxInFlight  uint16
}

func (m Hello) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(m.WorkerID[:])
	buf.WriteByte(m.ProtoVersion)
	buf.WriteByte(uint8(m.OSClass))
	buf.WriteByte(uint8(m.EngineClass))
	binary.Write(buf, binary.BigEndian, m.MaxInFlight)
	return buf.Bytes()
}

func UnmarshalHello(data []byte) (Hello, error) {
	var m Hello
	if len(data) < 21 {
		return m, fmt.Errorf("protocol: Hello payload too short")
	}
	copy(m.WorkerID[:], data[0:16])
	m.ProtoVersion = data[16]
	m.OSClass = device.OSClass(data[17])
	m.EngineClass = device.EngineClass(data[18])
	m.MaxInFlight = binary.BigEndian.Uint16(data[19:21])
	return m, nil
}

// AuthChallenge carries a random nonce the worker must HMAC.
type AuthChallenge struct {
	Nonce [16]byte
}

func (m AuthChallenge) Marshal() []byte { return append([]byte(nil), m.Nonce[:]...) }

func UnmarshalAuthChallenge(data []byte) (AuthChallenge, error) {
	var m AuthChallenge
	if len(data) < 16 {
		return m, fmt.Errorf("protocol: AuthChallenge payload too short")
	}
	copy(m.Nonce[:], data[0:16])
	return m, nil
}

// AuthResponse carries the worker's HMAC-SHA256(shared_secret, nonce ∥
// worker_id) proof.
type AuthResponse struct {
	MAC [32]byte
}

func (m AuthResponse) Marshal() []byte { return append([]byte(nil), m.MAC[:]...) }

func UnmarshalAuthResponse(data []byte) (AuthResponse, error) {
	var m AuthResponse
	if len(data) < 32 {
		return m, fmt.Errorf("protocol: AuthResponse payload too short")
	}
	copy(m.MAC[:], data[0:32])
	return m, nil
}

// Welcome confirms a successful handshake.
type Welcome struct {
	AssignedEpoch uint64
}

func (m Welcome) Marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.AssignedEpoch)
	return buf.Bytes()
}

func UnmarshalWelcome(data []byte) (Welcome, error) {
	var m Welcome
	if len(data) < 8 {
		return m, fmt.Errorf("protocol: Welcome payload too short")
	}
	m.AssignedEpoch = binary.BigEndian.Uint64(data[0:8])
	return m, nil
}

// Snapshot carries the worker's DeviceSnapshot plus its initially
// materialized models.
type Snapshot struct {
	Device device.Snapshot
	Models []device.ModelDescriptor
}

func marshalModel(buf *bytes.Buffer, md device.ModelDescriptor) error {
	if err := writeString(buf, md.Name); err != nil {
		return err
	}
	if err := writeString(buf, md.Version); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, md.VersionCode); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, md.MinRAMMB); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, md.MinVRAMGB); err != nil {
		return err
	}
	if err := buf.WriteByte(uint8(md.EngineClass)); err != nil {
		return err
	}
	active := uint8(0)
	if md.Active {
		active = 1
	}
	return buf.WriteByte(active)
}

func unmarshalModel(r *bytes.Reader) (device.ModelDescriptor, error) {
	var md device.ModelDescriptor
	var err error
	if md.Name, err = readString(r); err != nil {
		return md, err
	}
	if md.Version, err = readString(r); err != nil {
		return md, err
	}
	if err = binary.Read(r, binary.BigEndian, &md.VersionCode); err != nil {
		return md, err
	}
	if err = binary.Read(r, binary.BigEndian, &md.MinRAMMB); err != nil {
		return md, err
	}
	if err = binary.Read(r, binary.BigEndian, &md.MinVRAMGB); err != nil {
		return md, err
	}
	engineByte, err := r.ReadByte()
	if err != nil {
		return md, err
	}
	md.EngineClass = device.EngineClass(engineByte)
	activeByte, err := r.ReadByte()
	if err != nil {
		return md, err
	}
	md.Active = activeByte != 0
	return md, nil
}

func (m Snapshot) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.Device.DeviceCount)
	binary.Write(buf, binary.BigEndian, m.Device.TotalTFlops)
	binary.Write(buf, binary.BigEndian, m.Device.VRAMGB)
	binary.Write(buf, binary.BigEndian, m.Device.RAMGB)
	binary.Write(buf, binary.BigEndian, m.Device.VendorID)
	binary.Write(buf, binary.BigEndian, m.Device.DeviceID)
	buf.WriteByte(uint8(m.Device.OSClass))
	buf.WriteByte(uint8(m.Device.EngineClass))
	binary.Write(buf, binary.BigEndian, uint16(len(m.Models)))
	for _, md := range m.Models {
		if err := marshalModel(buf, md); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var m Snapshot
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &m.Device.DeviceCount); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Device.TotalTFlops); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Device.VRAMGB); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Device.RAMGB); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Device.VendorID); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Device.DeviceID); err != nil {
		return m, err
	}
	osByte, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.Device.OSClass = device.OSClass(osByte)
	engineByte, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.Device.EngineClass = device.EngineClass(engineByte)
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return m, err
	}
	m.Models = make([]device.ModelDescriptor, 0, count)
	for i := uint16(0); i < count; i++ {
		md, err := unmarshalModel(r)
		if err != nil {
			return m, err
		}
		m.Models = append(m.Models, md)
	}
	return m, nil
}

// Heartbeat carries one TelemetrySample.
type Heartbeat struct {
	Sample device.TelemetrySample
}

func (m Heartbeat) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(m.Sample.UsagePct)
	buf.WriteByte(m.Sample.MemPct)
	binary.Write(buf, binary.BigEndian, m.Sample.PowerW)
	buf.WriteByte(m.Sample.TempC)
	binary.Write(buf, binary.BigEndian, m.Sample.NetRxBps)
	binary.Write(buf, binary.BigEndian, m.Sample.NetTxBps)
	binary.Write(buf, binary.BigEndian, m.Sample.MonotonicTS)
	return buf.Bytes()
}

func UnmarshalHeartbeat(data []byte) (Heartbeat, error) {
	var m Heartbeat
	r := bytes.NewReader(data)
	var err error
	if m.Sample.UsagePct, err = r.ReadByte(); err != nil {
		return m, err
	}
	if m.Sample.MemPct, err = r.ReadByte(); err != nil {
		return m, err
	}
	if err = binary.Read(r, binary.BigEndian, &m.Sample.PowerW); err != nil {
		return m, err
	}
	if m.Sample.TempC, err = r.ReadByte(); err != nil {
		return m, err
	}
	if err = binary.Read(r, binary.BigEndian, &m.Sample.NetRxBps); err != nil {
		return m, err
	}
	if err = binary.Read(r, binary.BigEndian, &m.Sample.NetTxBps); err != nil {
		return m, err
	}
	if err = binary.Read(r, binary.BigEndian, &m.Sample.MonotonicTS); err != nil {
		return m, err
	}
	return m, nil
}

// ModelList announces the full set of models a worker currently has
// materialized; sent after Snapshot whenever that set changes.
type ModelList struct {
	Models []device.ModelDescriptor
}

func (m ModelList) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(len(m.Models)))
	for _, md := range m.Models {
		if err := marshalModel(buf, md); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func UnmarshalModelList(data []byte) (ModelList, error) {
	var m ModelList
	r := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return m, err
	}
	m.Models = make([]device.ModelDescriptor, 0, count)
	for i := uint16(0); i < count; i++ {
		md, err := unmarshalModel(r)
		if err != nil {
			return m, err
		}
		m.Models = append(m.Models, md)
	}
	return m, nil
}

// ModelAssign pushes a model-load instruction to the worker.
type ModelAssign struct {
	ModelName string
}

func (m ModelAssign) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeString(buf, m.ModelName)
	return buf.Bytes()
}

func UnmarshalModelAssign(data []byte) (ModelAssign, error) {
	var m ModelAssign
	var err error
	m.ModelName, err = readString(bytes.NewReader(data))
	return m, err
}

// ReqID identifies one InferenceRequest across its frames.
type ReqID [16]byte

func (r ReqID) String() string {
	return fmt.Sprintf("%x", r[:])
}

// InferStart dispatches one inference request to a worker.
type InferStart struct {
	ReqID       ReqID
	ModelName   string
	Prompt      string
	MaxTokens   uint32
	Temperature float32
	Stream      bool
}

func (m InferStart) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(m.ReqID[:])
	if err := writeString(buf, m.ModelName); err != nil {
		return nil, err
	}
	if err := writeString(buf, m.Prompt); err != nil {
		return nil, err
	}
	binary.Write(buf, binary.BigEndian, m.MaxTokens)
	binary.Write(buf, binary.BigEndian, m.Temperature)
	streamByte := uint8(0)
	if m.Stream {
		streamByte = 1
	}
	buf.WriteByte(streamByte)
	return buf.Bytes(), nil
}

func UnmarshalInferStart(data []byte) (InferStart, error) {
	var m InferStart
	if len(data) < 16 {
		return m, fmt.Errorf("protocol: InferStart payload too short")
	}
	copy(m.ReqID[:], data[0:16])
	r := bytes.NewReader(data[16:])
	var err error
	if m.ModelName, err = readString(r); err != nil {
		return m, err
	}
	if m.Prompt, err = readString(r); err != nil {
		return m, err
	}
	if err = binary.Read(r, binary.BigEndian, &m.MaxTokens); err != nil {
		return m, err
	}
	if err = binary.Read(r, binary.BigEndian, &m.Temperature); err != nil {
		return m, err
	}
	streamByte, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.Stream = streamByte != 0
	return m, nil
}

// InferChunk carries one forwarded token chunk.
type InferChunk struct {
	ReqID      ReqID
	TokenBytes []byte
}

func (m InferChunk) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(m.ReqID[:])
	buf.Write(m.TokenBytes)
	return buf.Bytes()
}

func UnmarshalInferChunk(data []byte) (InferChunk, error) {
	var m InferChunk
	if len(data) < 16 {
		return m, fmt.Errorf("protocol: InferChunk payload too short")
	}
	copy(m.ReqID[:], data[0:16])
	m.TokenBytes = append([]byte(nil), data[16:]...)
	return m, nil
}

// EndReason enumerates why an inference attempt terminated.
type EndReason uint8

const (
	EndReasonStop EndReason = iota
	EndReasonLength
	EndReasonCancelled
)

// InferEnd completes an inference job.
type InferEnd struct {
	ReqID      ReqID
	TokensUsed uint32
	Reason     EndReason
}

func (m InferEnd) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(m.ReqID[:])
	binary.Write(buf, binary.BigEndian, m.TokensUsed)
	buf.WriteByte(uint8(m.Reason))
	return buf.Bytes()
}

func UnmarshalInferEnd(data []byte) (InferEnd, error) {
	var m InferEnd
	if len(data) < 21 {
		return m, fmt.Errorf("protocol: InferEnd payload too short")
	}
	copy(m.ReqID[:], data[0:16])
	m.TokensUsed = binary.BigEndian.Uint32(data[16:20])
	m.Reason = EndReason(data[20])
	return m, nil
}

// InferError fails an inference attempt.
type InferError struct {
	ReqID ReqID
	Code  uint8
}

func (m InferError) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(m.ReqID[:])
	buf.WriteByte(m.Code)
	return buf.Bytes()
}

func UnmarshalInferError(data []byte) (InferError, error) {
	var m InferError
	if len(data) < 17 {
		return m, fmt.Errorf("protocol: InferError payload too short")
	}
	copy(m.ReqID[:], data[0:16])
	m.Code = data[16]
	return m, nil
}

// Cancel asks a worker to abandon an in-flight request.
type Cancel struct {
	ReqID ReqID
}

func (m Cancel) Marshal() []byte { return append([]byte(nil), m.ReqID[:]...) }

func UnmarshalCancel(data []byte) (Cancel, error) {
	var m Cancel
	if len(data) < 16 {
		return m, fmt.Errorf("protocol: Cancel payload too short")
	}
	copy(m.ReqID[:], data[0:16])
	return m, nil
}

// GoodbyeReason enumerates why the broker or worker is closing the
// session.
type GoodbyeReason uint8

const (
	GoodbyeNormal GoodbyeReason = iota
	GoodbyeVersionMismatch
	GoodbyeAuthTimeout
	GoodbyeAuthRejected
	GoodbyeShutdown
)

// Goodbye closes a session with a stated reason.
type Goodbye struct {
	Reason GoodbyeReason
}

func (m Goodbye) Marshal() []byte { return []byte{uint8(m.Reason)} }

func UnmarshalGoodbye(data []byte) (Goodbye, error) {
	var m Goodbye
	if len(data) < 1 {
		return m, fmt.Errorf("protocol: Goodbye payload too short")
	}
	m.Reason = GoodbyeReason(data[0])
	return m, nil
}
