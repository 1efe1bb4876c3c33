package worker

import (
	"net"

	"github.com/gorilla/websocket"

	"github.com/ocx/gpufabric/internal/protocol"
)

// Transport is the common framed-stream capability both the TCP and
// WebSocket arms expose. This is the Go rendering of the source's tagged
// `AutoWorker{TCP, WS}` variant (spec §9): one small interface, two
// concrete implementations chosen once at accept time, no further
// dynamic dispatch at the core.
type Transport interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(*protocol.Frame) error
	Close() error
}

// tcpTransport frames a plain or TLS-wrapped net.Conn.
type tcpTransport struct {
	conn net.Conn
}

// NewTCPTransport wraps a connection accepted on a stream listener.
func NewTCPTransport(conn net.Conn) Transport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(t.conn)
}

func (t *tcpTransport) WriteFrame(f *protocol.Frame) error {
	return protocol.WriteFrame(t.conn, f)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport frames a gorilla/websocket connection, carrying each wire
// frame as one binary WebSocket message. No ping/pong keepalive is driven
// on the connection.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps an upgraded WebSocket connection.
func NewWSTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() (*protocol.Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, protocol.ErrShortWSFrame
	}
	f := &protocol.Frame{}
	if err := f.Unmarshal(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	// Strip the 4-byte length prefix: WebSocket messages are
	// self-delimiting, so the frame body alone is the message.
	return t.conn.WriteMessage(websocket.BinaryMessage, data[4:])
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
