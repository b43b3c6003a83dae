// Package network handles peer-to-peer communication over TCP using
// length-prefixed JSON messages, differentiated by peer class (full node,
// wallet, timelord, farmer). Adapted from the teacher's network/peer.go
// framing.
package network

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tolchain/fullnode/protocol"
)

// maxMessageBytes bounds a single inbound message (teacher's 32 MB safety
// limit, carried forward unchanged).
const maxMessageBytes = 32 * 1024 * 1024

// readDeadline prevents a stalled peer from blocking a read indefinitely.
const readDeadline = 30 * time.Second

// Peer represents a connected remote node, classified by protocol.PeerClass
// once Node.ClassifyPeer is called for it.
type Peer struct {
	ID    string
	Addr  string
	Class protocol.PeerClass

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established TCP connection as a Peer of unknown class.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials the remote address and returns a connected Peer. If tlsCfg
// is non-nil the connection is established over TLS (mutual auth, per
// config.LoadTLSConfig).
func Connect(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a length-prefixed JSON envelope to the peer.
func (p *Peer) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = p.conn.Write(data)
	return err
}

// Receive reads the next length-prefixed JSON envelope. Payload is left as
// json.RawMessage so the caller can unmarshal it according to Type.
// RequestID correlates the reply with a pending request, when present.
func (p *Peer) Receive() (typ protocol.MessageType, requestID string, payload json.RawMessage, err error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return "", "", nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxMessageBytes {
		return "", "", nil, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return "", "", nil, err
	}
	var raw struct {
		Type      protocol.MessageType `json:"type"`
		RequestID string               `json:"request_id"`
		Payload   json.RawMessage      `json:"payload"`
	}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return "", "", nil, err
	}
	return raw.Type, raw.RequestID, raw.Payload, nil
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
