// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/p2pool-go/p2pool/chaincfg"
)

// CommandSize is the fixed, null-padded width of a frame's command field
// (ยง4.8): 4-byte magic, 12-byte command, 4-byte length, 4-byte checksum.
const CommandSize = 12

// FrameHeaderSize is the total size of a frame header preceding the
// payload.
const FrameHeaderSize = 4 + CommandSize + 4 + 4

// Command names. Ordering within a connection is defined by state, not by a
// sequence number; unknown commands are ignored for forward compatibility
// (ยง6).
const (
	CmdVersion   = "version"
	CmdVerAck    = "verack"
	CmdHaveTip   = "have_tip"
	CmdGetShares = "getshares"
	CmdShares    = "shares"
	CmdHaveTx    = "have_tx"
	CmdGetTx     = "gettx"
	CmdTx        = "tx"
	CmdGetAddrs  = "getaddrs"
	CmdAddrs     = "addrs"
	CmdPing      = "ping"
	CmdPong      = "pong"
)

// FrameHeader is the fixed preamble of every peer-protocol frame.
type FrameHeader struct {
	Magic    chaincfg.ShareNet
	Command  string
	Length   uint32
	Checksum [4]byte
}

// EncodeFrame wraps payload in a length-prefixed, checksummed frame.
func EncodeFrame(net chaincfg.ShareNet, command string, payload []byte) ([]byte, error) {
	if len(command) > CommandSize {
		return nil, fmt.Errorf("wire: command %q exceeds %d bytes", command, CommandSize)
	}

	w := NewWriter(FrameHeaderSize + len(payload))
	w.WriteUint32LE(uint32(net))

	var cmdBuf [CommandSize]byte
	copy(cmdBuf[:], command)
	w.buf = append(w.buf, cmdBuf[:]...)

	w.WriteUint32LE(uint32(len(payload)))
	sum := checksum(payload)
	w.buf = append(w.buf, sum[:]...)
	w.buf = append(w.buf, payload...)

	return w.Bytes(), nil
}

// DecodeFrameHeader reads a frame header from the front of buf. The caller
// is expected to have already read exactly FrameHeaderSize bytes from the
// socket (the peer event loop reads the header, then the declared payload
// length, as two socket reads).
func DecodeFrameHeader(buf []byte) (*FrameHeader, error) {
	if len(buf) != FrameHeaderSize {
		return nil, ErrTruncated
	}
	r := NewReader(buf)

	magic, err := r.ReadUint32LE()
	if err != nil {
		return nil, err
	}
	cmdBytes, err := r.take(CommandSize)
	if err != nil {
		return nil, err
	}
	length, err := r.ReadUint32LE()
	if err != nil {
		return nil, err
	}
	sumBytes, err := r.take(4)
	if err != nil {
		return nil, err
	}

	if length > MaxListLength {
		return nil, ErrOverflow
	}

	hdr := &FrameHeader{
		Magic:   chaincfg.ShareNet(magic),
		Command: trimNulls(cmdBytes),
		Length:  length,
	}
	copy(hdr.Checksum[:], sumBytes)
	return hdr, nil
}

// VerifyPayload checks a received payload against the header's checksum.
func (h *FrameHeader) VerifyPayload(payload []byte) bool {
	return checksum(payload) == h.Checksum
}

func trimNulls(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// MsgVersion is sent by each side immediately after the TCP connection
// opens (ยง4.8 step 2).
type MsgVersion struct {
	ProtocolVersion uint32
	SoftwareID      string
	Timestamp       int64
	ListenPort      uint16
	Nonce           uint64
}

// Encode serializes a MsgVersion payload.
func (m *MsgVersion) Encode() []byte {
	w := NewWriter(64)
	w.WriteUint32LE(m.ProtocolVersion)
	w.WriteVarString(m.SoftwareID)
	w.WriteUint64LE(uint64(m.Timestamp))
	w.WriteUint16LE(m.ListenPort)
	w.WriteUint64LE(m.Nonce)
	return w.Bytes()
}

// DecodeMsgVersion parses a MsgVersion payload.
func DecodeMsgVersion(buf []byte) (*MsgVersion, error) {
	r := NewReader(buf)
	m := &MsgVersion{}
	var err error
	if m.ProtocolVersion, err = r.ReadUint32LE(); err != nil {
		return nil, err
	}
	if m.SoftwareID, err = r.ReadVarString(); err != nil {
		return nil, err
	}
	ts, err := r.ReadUint64LE()
	if err != nil {
		return nil, err
	}
	m.Timestamp = int64(ts)
	if m.ListenPort, err = r.ReadUint16LE(); err != nil {
		return nil, err
	}
	if m.Nonce, err = r.ReadUint64LE(); err != nil {
		return nil, err
	}
	return m, nil
}

// MsgHaveTip announces the sender's current best share hash.
type MsgHaveTip struct {
	TipHash chainhash.Hash
}

// Encode serializes a MsgHaveTip payload.
func (m *MsgHaveTip) Encode() []byte {
	w := NewWriter(32)
	w.WriteHash(m.TipHash)
	return w.Bytes()
}

// DecodeMsgHaveTip parses a MsgHaveTip payload.
func DecodeMsgHaveTip(buf []byte) (*MsgHaveTip, error) {
	r := NewReader(buf)
	h, err := r.ReadHash()
	if err != nil {
		return nil, err
	}
	return &MsgHaveTip{TipHash: h}, nil
}

// MsgGetShares requests up to MaxCount shares walking backward from Tip,
// stopping if KnownHash is reached (ยง4.8 sync-after-have_tip).
type MsgGetShares struct {
	Tip       chainhash.Hash
	KnownHash chainhash.Hash
	MaxCount  uint32
}

// Encode serializes a MsgGetShares payload.
func (m *MsgGetShares) Encode() []byte {
	w := NewWriter(72)
	w.WriteHash(m.Tip)
	w.WriteHash(m.KnownHash)
	w.WriteUint32LE(m.MaxCount)
	return w.Bytes()
}

// DecodeMsgGetShares parses a MsgGetShares payload.
func DecodeMsgGetShares(buf []byte) (*MsgGetShares, error) {
	r := NewReader(buf)
	m := &MsgGetShares{}
	var err error
	if m.Tip, err = r.ReadHash(); err != nil {
		return nil, err
	}
	if m.KnownHash, err = r.ReadHash(); err != nil {
		return nil, err
	}
	if m.MaxCount, err = r.ReadUint32LE(); err != nil {
		return nil, err
	}
	return m, nil
}

// MsgShares carries a batch of raw, still-encoded shares (newest-first, as
// returned by the tracker's get_chain).
type MsgShares struct {
	Shares [][]byte
}

// Encode serializes a MsgShares payload.
func (m *MsgShares) Encode() []byte {
	w := NewWriter(256)
	w.WriteListLength(len(m.Shares))
	for _, s := range m.Shares {
		w.WriteVarBytes(s)
	}
	return w.Bytes()
}

// DecodeMsgShares parses a MsgShares payload.
func DecodeMsgShares(buf []byte) (*MsgShares, error) {
	r := NewReader(buf)
	n, err := r.ReadListLength()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		if out[i], err = r.ReadVarBytes(); err != nil {
			return nil, err
		}
	}
	return &MsgShares{Shares: out}, nil
}

// MsgHaveTx / MsgGetTx announce and request a single transaction by hash
// (ยง4.8 transaction gossip).
type MsgHaveTx struct{ Hash chainhash.Hash }
type MsgGetTx struct{ Hash chainhash.Hash }

// Encode serializes a MsgHaveTx payload.
func (m *MsgHaveTx) Encode() []byte { w := NewWriter(32); w.WriteHash(m.Hash); return w.Bytes() }

// Encode serializes a MsgGetTx payload.
func (m *MsgGetTx) Encode() []byte { w := NewWriter(32); w.WriteHash(m.Hash); return w.Bytes() }

// DecodeMsgHaveTx parses a MsgHaveTx payload.
func DecodeMsgHaveTx(buf []byte) (*MsgHaveTx, error) {
	h, err := NewReader(buf).ReadHash()
	if err != nil {
		return nil, err
	}
	return &MsgHaveTx{Hash: h}, nil
}

// DecodeMsgGetTx parses a MsgGetTx payload.
func DecodeMsgGetTx(buf []byte) (*MsgGetTx, error) {
	h, err := NewReader(buf).ReadHash()
	if err != nil {
		return nil, err
	}
	return &MsgGetTx{Hash: h}, nil
}

// MsgTx carries a raw transaction body in response to MsgGetTx.
type MsgTx struct {
	Raw []byte
}

// Encode serializes a MsgTx payload.
func (m *MsgTx) Encode() []byte {
	w := NewWriter(len(m.Raw) + 8)
	w.WriteVarBytes(m.Raw)
	return w.Bytes()
}

// DecodeMsgTx parses a MsgTx payload.
func DecodeMsgTx(buf []byte) (*MsgTx, error) {
	raw, err := NewReader(buf).ReadVarBytes()
	if err != nil {
		return nil, err
	}
	return &MsgTx{Raw: raw}, nil
}

// NetAddress is one entry of the address-gossip list.
type NetAddress struct {
	Host      string
	Port      uint16
	LastSeen  int64
	Services  uint64
}

// MsgAddrs carries a batch of known peer addresses (ยง4.8, peer address
// book).
type MsgAddrs struct {
	Addrs []NetAddress
}

// Encode serializes a MsgAddrs payload.
func (m *MsgAddrs) Encode() []byte {
	w := NewWriter(256)
	w.WriteListLength(len(m.Addrs))
	for _, a := range m.Addrs {
		w.WriteVarString(a.Host)
		w.WriteUint16LE(a.Port)
		w.WriteUint64LE(uint64(a.LastSeen))
		w.WriteUint64LE(a.Services)
	}
	return w.Bytes()
}

// DecodeMsgAddrs parses a MsgAddrs payload.
func DecodeMsgAddrs(buf []byte) (*MsgAddrs, error) {
	r := NewReader(buf)
	n, err := r.ReadListLength()
	if err != nil {
		return nil, err
	}
	out := make([]NetAddress, n)
	for i := range out {
		if out[i].Host, err = r.ReadVarString(); err != nil {
			return nil, err
		}
		if out[i].Port, err = r.ReadUint16LE(); err != nil {
			return nil, err
		}
		ts, err := r.ReadUint64LE()
		if err != nil {
			return nil, err
		}
		out[i].LastSeen = int64(ts)
		if out[i].Services, err = r.ReadUint64LE(); err != nil {
			return nil, err
		}
	}
	return &MsgAddrs{Addrs: out}, nil
}

// MsgPing/MsgPong carry a nonce used to correlate the idle-timeout
// keepalive (ยง5).
type MsgPing struct{ Nonce uint64 }
type MsgPong struct{ Nonce uint64 }

// Encode serializes a MsgPing payload.
func (m *MsgPing) Encode() []byte { w := NewWriter(8); w.WriteUint64LE(m.Nonce); return w.Bytes() }

// Encode serializes a MsgPong payload.
func (m *MsgPong) Encode() []byte { w := NewWriter(8); w.WriteUint64LE(m.Nonce); return w.Bytes() }

// DecodeMsgPing parses a MsgPing payload.
func DecodeMsgPing(buf []byte) (*MsgPing, error) {
	n, err := NewReader(buf).ReadUint64LE()
	if err != nil {
		return nil, err
	}
	return &MsgPing{Nonce: n}, nil
}

// DecodeMsgPong parses a MsgPong payload.
func DecodeMsgPong(buf []byte) (*MsgPong, error) {
	n, err := NewReader(buf).ReadUint64LE()
	if err != nil {
		return nil, err
	}
	return &MsgPong{Nonce: n}, nil
}
