package worker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
)

func pipeTransports() (Transport, Transport) {
	a, b := net.Pipe()
	return NewTCPTransport(a), NewTCPTransport(b)
}

func TestServerHandshakeSucceedsWithValidMAC(t *testing.T) {
	broker, worker := pipeTransports()
	cfg := HandshakeConfig{SharedSecret: "s3cr3t", ProtoVersion: 1, AuthTimeout: time.Second}
	workerID := device.WorkerId{1, 2, 3, 4}

	resultCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := ServerHandshake(broker, cfg, Config{}, func() (protocol.Hello, error) {
			f, err := broker.ReadFrame()
			if err != nil {
				return protocol.Hello{}, err
			}
			return protocol.UnmarshalHello(f.Payload)
		})
		resultCh <- s
		errCh <- err
	}()

	require.NoError(t, worker.WriteFrame(protocol.NewFrame(protocol.KindHello, protocol.Hello{
		WorkerID:     workerID,
		ProtoVersion: 1,
		OSClass:      device.OSLinux,
		EngineClass:  device.EngineCUDA,
	}.Marshal())))

	challengeFrame, err := worker.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.KindAuthChallenge, challengeFrame.Kind)
	challenge, err := protocol.UnmarshalAuthChallenge(challengeFrame.Payload)
	require.NoError(t, err)

	mac, err := computeMAC(cfg.SharedSecret, challenge.Nonce, workerID)
	require.NoError(t, err)
	require.NoError(t, worker.WriteFrame(protocol.NewFrame(protocol.KindAuthResponse,
		protocol.AuthResponse{MAC: mac}.Marshal())))

	welcomeFrame, err := worker.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindWelcome, welcomeFrame.Kind)

	session := <-resultCh
	require.NoError(t, <-errCh)
	require.NotNil(t, session)
	assert.Equal(t, StateAuthed, session.State())
	assert.Equal(t, workerID, session.ID())
}

func TestServerHandshakeRejectsBadMAC(t *testing.T) {
	broker, worker := pipeTransports()
	cfg := HandshakeConfig{SharedSecret: "s3cr3t", ProtoVersion: 1, AuthTimeout: time.Second}
	workerID := device.WorkerId{9}

	errCh := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(broker, cfg, Config{}, func() (protocol.Hello, error) {
			f, err := broker.ReadFrame()
			if err != nil {
				return protocol.Hello{}, err
			}
			return protocol.UnmarshalHello(f.Payload)
		})
		errCh <- err
	}()

	require.NoError(t, worker.WriteFrame(protocol.NewFrame(protocol.KindHello, protocol.Hello{
		WorkerID: workerID, ProtoVersion: 1,
	}.Marshal())))
	_, err := worker.ReadFrame()
	require.NoError(t, err)

	var badMAC [32]byte
	require.NoError(t, worker.WriteFrame(protocol.NewFrame(protocol.KindAuthResponse,
		protocol.AuthResponse{MAC: badMAC}.Marshal())))

	assert.ErrorIs(t, <-errCh, ErrAuthRejected)
}

func TestServerHandshakeRejectsVersionMismatch(t *testing.T) {
	broker, worker := pipeTransports()
	cfg := HandshakeConfig{SharedSecret: "s3cr3t", ProtoVersion: 2, AuthTimeout: time.Second}

	errCh := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(broker, cfg, Config{}, func() (protocol.Hello, error) {
			f, err := broker.ReadFrame()
			if err != nil {
				return protocol.Hello{}, err
			}
			return protocol.UnmarshalHello(f.Payload)
		})
		errCh <- err
	}()

	require.NoError(t, worker.WriteFrame(protocol.NewFrame(protocol.KindHello, protocol.Hello{
		ProtoVersion: 1,
	}.Marshal())))

	assert.ErrorIs(t, <-errCh, ErrVersionMismatch)
}
