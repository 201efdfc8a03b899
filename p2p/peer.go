// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/p2pool-go/p2pool/wire"
)

// ErrSelfConnection is returned from the handshake when the peer's version
// nonce matches one this node generated itself.
var ErrSelfConnection = errors.New("p2p: self connection")

// ErrHandshakeTimeout is returned when version/verack does not complete
// within Config.HandshakeTimeout.
var ErrHandshakeTimeout = errors.New("p2p: handshake timed out")

// frame is a decoded, not-yet-dispatched peer-protocol message.
type frame struct {
	command string
	payload []byte
}

// Peer wraps one TCP connection in either direction and owns its send
// queue, scoring counters, and handshake state (ยง4.8 connection lifecycle).
type Peer struct {
	id       uint64
	server   *Server
	conn     net.Conn
	inbound  bool
	addr     *wire.NetAddress
	nonce    uint64

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	lastRecv    time.Time
	pingPending bool
	pingNonce   uint64

	invalidMsgs   int
	malformed     int
	bytesSent     int64
	bytesReceived int64

	versionSent bool
	versionRecv bool
	verackSent  bool
	verackRecv  bool

	theirVersion *wire.MsgVersion
}

// newPeer wraps conn in a Peer, ready for handshake.
func newPeer(s *Server, conn net.Conn, inbound bool, id, nonce uint64) *Peer {
	return &Peer{
		id:      id,
		server:  s,
		conn:    conn,
		inbound: inbound,
		nonce:   nonce,
		sendCh:  make(chan []byte, s.cfg.SendQueueDepth),
		done:    make(chan struct{}),
	}
}

// Addr returns the remote address string.
func (p *Peer) Addr() string { return p.conn.RemoteAddr().String() }

// close tears down the connection exactly once, unblocking the read and
// write loops.
func (p *Peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// queue enqueues an already-framed message for the write loop. If the send
// queue is full the peer is disconnected (ยง5 backpressure: fail-fast, the
// peer will reconnect).
func (p *Peer) queue(b []byte) {
	select {
	case p.sendCh <- b:
	case <-p.done:
	default:
		log.Warnf("peer %s send queue full, disconnecting", p.Addr())
		p.close()
	}
}

func (p *Peer) send(command string, payload []byte) {
	framed, err := wire.EncodeFrame(p.server.params.Net, command, payload)
	if err != nil {
		log.Errorf("peer %s: encode %s: %v", p.Addr(), command, err)
		return
	}
	p.queue(framed)
}

// writeLoop drains sendCh to the socket until the peer is closed.
func (p *Peer) writeLoop() {
	for {
		select {
		case b := <-p.sendCh:
			if _, err := p.conn.Write(b); err != nil {
				log.Debugf("peer %s: write: %v", p.Addr(), err)
				p.close()
				return
			}
			p.mu.Lock()
			p.bytesSent += int64(len(b))
			p.mu.Unlock()
		case <-p.done:
			return
		}
	}
}

// readLoop reads frames off the socket and hands each to handle. It returns
// when the connection is closed or a read error occurs.
func (p *Peer) readLoop() {
	hdrBuf := make([]byte, wire.FrameHeaderSize)
	for {
		if _, err := io.ReadFull(p.conn, hdrBuf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("peer %s: read header: %v", p.Addr(), err)
			}
			p.close()
			return
		}
		hdr, err := wire.DecodeFrameHeader(hdrBuf)
		if err != nil {
			p.countMalformed()
			p.close()
			return
		}
		if hdr.Magic != p.server.params.Net {
			log.Warnf("peer %s: wrong network magic %s", p.Addr(), hdr.Magic)
			p.close()
			return
		}

		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(p.conn, payload); err != nil {
				p.close()
				return
			}
		}
		if !hdr.VerifyPayload(payload) {
			p.countMalformed()
			p.close()
			return
		}

		p.mu.Lock()
		p.lastRecv = time.Now()
		p.bytesReceived += int64(wire.FrameHeaderSize + len(payload))
		p.mu.Unlock()

		p.server.dispatch(p, &frame{command: hdr.Command, payload: payload})
	}
}

func (p *Peer) countMalformed() {
	p.mu.Lock()
	p.malformed++
	bad := p.malformed > p.server.cfg.MaxMalformedFrames
	p.mu.Unlock()
	if bad {
		log.Warnf("peer %s: too many malformed frames, disconnecting", p.Addr())
		p.close()
	}
}

func (p *Peer) countInvalid() {
	p.mu.Lock()
	p.invalidMsgs++
	bad := p.invalidMsgs > p.server.cfg.MaxInvalidMessages
	p.mu.Unlock()
	if bad {
		log.Warnf("peer %s: too many invalid messages, disconnecting", p.Addr())
		p.close()
	}
}

// handshake performs the version/verack exchange and blocks until both
// sides have completed it (version received, verack sent and received),
// the self-connection nonce collides, or
// Config.HandshakeTimeout elapses (ยง4.8 connection lifecycle steps 2-3).
func (p *Peer) handshake(ctx context.Context, listenPort uint16) error {
	p.send(wire.CmdVersion, (&wire.MsgVersion{
		ProtocolVersion: ProtocolVersion,
		SoftwareID:      p.server.cfg.SoftwareID,
		Timestamp:       time.Now().Unix(),
		ListenPort:      listenPort,
		Nonce:           p.nonce,
	}).Encode())
	p.mu.Lock()
	p.versionSent = true
	p.mu.Unlock()

	deadline := time.NewTimer(p.server.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		ready := p.versionRecv && p.verackSent && p.verackRecv
		p.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return errors.New("p2p: connection closed during handshake")
		case <-deadline.C:
			return ErrHandshakeTimeout
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ProtocolVersion is this node's peer-protocol version, exchanged in every
// MsgVersion. It is independent of the share-schema version negotiated per
// share (ยง9).
const ProtocolVersion = 1
