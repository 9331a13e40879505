package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/wire"
)

// ProtocolVersion is the protocol version advertised in every
// handshake. Mismatched versions are refused.
const ProtocolVersion = 1

// HandshakeTimeout is the default bound on the handshake exchange.
const HandshakeTimeout = 5 * time.Second

// peerConn is the peer connection record: the remote context
// name learned from handshake, the live socket, an outbound send mutex,
// and liveness bookkeeping.
type peerConn struct {
	remoteContext string
	endpoint      string

	conn net.Conn

	writeMu sync.Mutex // guards framed writes

	mu           sync.Mutex
	lastActivity time.Time
	live         bool
}

func (p *peerConn) writeMessage(m message.Message) error {
	data := message.Encode(m)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteFrame(p.conn, data)
}

// writeFrameRaw writes an already-encoded frame. Callers that already
// hold p.writeMu (e.g. Manager.SendFrame) must call this instead of
// writeMessage to avoid double-locking.
func writeFrameRaw(p *peerConn, frame []byte) error {
	return wire.WriteFrame(p.conn, frame)
}

func (p *peerConn) readMessage() (message.Message, error) {
	data, err := wire.ReadFrame(p.conn)
	if err != nil {
		return message.Message{}, err
	}
	return message.Decode(data)
}

func (p *peerConn) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *peerConn) markDead() {
	p.mu.Lock()
	p.live = false
	p.mu.Unlock()
}

func (p *peerConn) isLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// performHandshake exchanges the initial-handshake frame in both
// directions. initiator sends first; the passive side
// (accept path) reads first. Both validate the peer's workgroup and
// protocol version.
func performHandshake(p *peerConn, localContext, localEndpoint, workgroup string, initiator bool) (string, error) {
	_ = localEndpoint
	outbound := message.NewHandshake(
		address.ForContext(localContext),
		address.Address{},
		localContext, workgroup, ProtocolVersion,
	)

	send := func() error { return p.writeMessage(outbound) }
	recv := func() (message.Message, error) { return p.readMessage() }

	var peerHello message.Message
	var err error
	if initiator {
		if err = send(); err != nil {
			return "", err
		}
		peerHello, err = recv()
	} else {
		peerHello, err = recv()
		if err == nil {
			err = send()
		}
	}
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	if peerHello.Type != message.TypeHandshake {
		return "", errs.New(errs.ProtocolMismatch, "expected handshake frame, got %s", peerHello.Type)
	}
	if peerHello.Workgroup != workgroup {
		return "", errs.New(errs.ProtocolMismatch, "workgroup mismatch: local=%s remote=%s", workgroup, peerHello.Workgroup)
	}
	if peerHello.ProtocolVersion != ProtocolVersion {
		// Tell the peer why before the caller closes the socket.
		_ = p.writeMessage(message.NewErrorReply(
			address.ForContext(localContext), peerHello.Source, 0,
			errs.ProtocolMismatch, "protocol version %d not supported, local is %d", peerHello.ProtocolVersion, ProtocolVersion))
		return "", errs.New(errs.ProtocolMismatch, "protocol version mismatch: local=%d remote=%d", ProtocolVersion, peerHello.ProtocolVersion)
	}
	return peerHello.PeerContext, nil
}
