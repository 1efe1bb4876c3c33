package worker

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
)

// Handshake errors, matching the kinds enumerated in spec §7.
var (
	ErrVersionMismatch = errors.New("worker: unsupported protocol version")
	ErrAuthTimeout      = errors.New("worker: auth response not received in time")
	ErrAuthRejected     = errors.New("worker: HMAC proof did not match")
)

// HandshakeConfig carries the parameters the broker needs to run the
// nonce+HMAC exchange in spec §4.1.
type HandshakeConfig struct {
	SharedSecret   string
	ProtoVersion   uint8
	AuthTimeout    time.Duration
}

// deriveMACKey stretches the raw shared secret through HKDF-SHA256 keyed
// on the handshake nonce, so the HMAC proof is never computed directly
// off the static secret.
func deriveMACKey(secret string, nonce [16]byte) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(secret), nonce[:], []byte("gpufabric-worker-auth"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("worker: derive MAC key: %w", err)
	}
	return key, nil
}

// computeMAC implements AuthResponse.mac = HMAC(shared_secret, nonce ∥
// worker_id) per §4.1 step 3, with the secret pre-stretched via HKDF.
func computeMAC(secret string, nonce [16]byte, workerID device.WorkerId) ([32]byte, error) {
	var mac [32]byte
	key, err := deriveMACKey(secret, nonce)
	if err != nil {
		return mac, err
	}
	h := hmac.New(sha256.New, key)
	h.Write(nonce[:])
	h.Write(workerID[:])
	copy(mac[:], h.Sum(nil))
	return mac, nil
}

// ServerHandshake runs the broker side of §4.1 steps 1-5 over t, returning
// an Authed session (not yet Serving — the caller still has to receive
// and validate the first Snapshot). cfg.AuthTimeout bounds only the wait
// for the AuthResponse once the challenge is sent; readHello is not bounded
// here.
func ServerHandshake(t Transport, cfg HandshakeConfig, sessionCfg Config, readHello func() (protocol.Hello, error)) (*Session, error) {
	hello, err := readHello()
	if err != nil {
		return nil, err
	}
	if hello.ProtoVersion != cfg.ProtoVersion {
		_ = t.WriteFrame(protocol.NewFrame(protocol.KindGoodbye,
			protocol.Goodbye{Reason: protocol.GoodbyeVersionMismatch}.Marshal()))
		return nil, ErrVersionMismatch
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("worker: generate nonce: %w", err)
	}
	if err := t.WriteFrame(protocol.NewFrame(protocol.KindAuthChallenge,
		protocol.AuthChallenge{Nonce: nonce}.Marshal())); err != nil {
		return nil, err
	}

	type responseResult struct {
		frame *protocol.Frame
		err   error
	}
	resultCh := make(chan responseResult, 1)
	go func() {
		f, err := t.ReadFrame()
		resultCh <- responseResult{f, err}
	}()

	var resp *protocol.Frame
	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		resp = r.frame
	case <-time.After(cfg.AuthTimeout):
		_ = t.WriteFrame(protocol.NewFrame(protocol.KindGoodbye,
			protocol.Goodbye{Reason: protocol.GoodbyeAuthTimeout}.Marshal()))
		return nil, ErrAuthTimeout
	}

	if resp.Kind != protocol.KindAuthResponse {
		return nil, fmt.Errorf("worker: expected AuthResponse, got %s", resp.Kind)
	}
	authResp, err := protocol.UnmarshalAuthResponse(resp.Payload)
	if err != nil {
		return nil, err
	}

	expected, err := computeMAC(cfg.SharedSecret, nonce, hello.WorkerID)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected[:], authResp.MAC[:]) {
		_ = t.WriteFrame(protocol.NewFrame(protocol.KindGoodbye,
			protocol.Goodbye{Reason: protocol.GoodbyeAuthRejected}.Marshal()))
		return nil, ErrAuthRejected
	}

	epoch := uint64(time.Now().UnixNano())
	if err := t.WriteFrame(protocol.NewFrame(protocol.KindWelcome,
		protocol.Welcome{AssignedEpoch: epoch}.Marshal())); err != nil {
		return nil, err
	}

	sessionCfg.MaxInFlight = hello.MaxInFlight
	s := NewSession(hello.WorkerID, t, sessionCfg)
	if err := s.MarkAuthed(epoch); err != nil {
		return nil, err
	}
	return s, nil
}
