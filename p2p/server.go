// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/p2pool-go/p2pool/addrmgr"
	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/validate"
	"github.com/p2pool-go/p2pool/wire"
)

// TxRelay lets the p2p package forward gossiped transactions to the
// parent-chain node without importing an RPC client package directly (ยง4.8
// transaction gossip: "forwarded to the parent-chain node if not already in
// its mempool").
type TxRelay interface {
	HasTx(hash chainhash.Hash) bool
	SubmitTx(raw []byte) error
}

// Server runs the peer protocol: inbound/outbound connection management,
// tip announcement, share sync, and transaction gossip (C8).
type Server struct {
	cfg            *Config
	params         *chaincfg.Params
	tracker        *sharechain.Tracker
	addrs          *addrmgr.Manager
	donationScript []byte
	tx             TxRelay

	selfNonce  uint64
	listenPort uint16
	listener   net.Listener

	seenTx     *seenSet
	seenShares *seenSet

	mu         sync.Mutex
	peers      map[uint64]*Peer
	nextPeerID uint64
	lastTip    chainhash.Hash

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer constructs a peer server. tx may be nil, in which case gossiped
// transactions are recorded as seen but not forwarded anywhere.
func NewServer(cfg *Config, params *chaincfg.Params, tracker *sharechain.Tracker, addrs *addrmgr.Manager, donationScript []byte, tx TxRelay) *Server {
	s := &Server{
		cfg:            cfg,
		params:         params,
		tracker:        tracker,
		addrs:          addrs,
		donationScript: donationScript,
		tx:             tx,
		selfNonce:      randomNonce(),
		seenTx:         newSeenSet(cfg.TxCacheSize),
		seenShares:     newSeenSet(cfg.ShareCacheSize),
		peers:          make(map[uint64]*Peer),
	}
	// An orphan share admitted later through resolveOrphans (ยง4.2) has
	// only ever passed CheapVerify; without this hook it would be indexed
	// with Verified left false and never actually checked against its
	// now-known predecessor's PPLNS map and retarget result.
	tracker.SetContextVerifyHook(s.verifyEntry)
	return s
}

// verifyEntry re-runs contextual verification (ยง4.3) for an entry whose
// predecessor has just become known. Registered on the tracker as its
// context-verify hook; see sharechain.Tracker.SetContextVerifyHook for the
// locking contract this must honor (it is called with the tracker's lock
// released, and may call back into any tracker accessor).
func (s *Server) verifyEntry(e *sharechain.Entry) error {
	subsidy := coinbaseTotal(&e.Share.Coinbase)
	return validate.ContextVerify(e.Share, s.tracker, s.params, s.donationScript, subsidy)
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Start binds the listener (if configured), begins accepting inbound
// connections, and launches the outbound-connection maintainer and
// tip-broadcast housekeeping.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return err
		}
		s.listener = ln
		if _, portStr, err := net.SplitHostPort(ln.Addr().String()); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				s.listenPort = uint16(port)
			}
		}
		s.wg.Add(1)
		go s.acceptLoop(ctx)
	}

	s.wg.Add(1)
	go s.outboundLoop(ctx)

	if tip, ok := s.tracker.BestTip(); ok {
		s.lastTip = tip
	}

	log.Infof("peer server listening on %s (%d bootstrap peers)", s.cfg.ListenAddr, len(s.cfg.Bootstrap))
	return nil
}

// Stop closes the listener and every connection, and waits for all
// goroutines to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, p := range s.peers {
		p.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// PeerCount returns the number of peers currently past handshake.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("peer accept: %v", err)
				return
			}
		}
		if s.PeerCount()-s.countOutbound() >= s.cfg.MaxInbound {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.runPeer(ctx, conn, true, nil)
	}
}

// outboundLoop periodically tops up the outbound connection count from the
// address book, falling back to Config.Bootstrap when the book is empty
// (ยง6 "Peer bootstrap").
func (s *Server) outboundLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for _, hp := range s.cfg.Bootstrap {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		s.addrs.AddAddress(&wire.NetAddress{Host: host, Port: uint16(port)}, nil)
	}

	for {
		s.maintainOutbound(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) maintainOutbound(ctx context.Context) {
	for s.countOutbound() < s.cfg.TargetOutbound {
		na := s.addrs.GetAddress()
		if na == nil {
			return
		}
		addr := net.JoinHostPort(na.Host, strconv.Itoa(int(na.Port)))
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			s.addrs.Attempt(na, false)
			continue
		}
		s.addrs.Attempt(na, true)
		s.wg.Add(1)
		go s.runPeer(ctx, conn, false, na)
	}
}

func (s *Server) countOutbound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if !p.inbound {
			n++
		}
	}
	return n
}

// runPeer drives one connection end to end: handshake, steady-state
// dispatch, and cleanup.
func (s *Server) runPeer(ctx context.Context, conn net.Conn, inbound bool, na *wire.NetAddress) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	s.nextPeerID++
	id := s.nextPeerID
	s.mu.Unlock()

	p := newPeer(s, conn, inbound, id, s.selfNonce)
	p.addr = na

	go p.readLoop()
	go p.writeLoop()

	if err := p.handshake(ctx, s.listenPort); err != nil {
		log.Debugf("peer %s: handshake: %v", p.Addr(), err)
		p.close()
		return
	}

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, id)
		s.mu.Unlock()
		if na != nil {
			s.addrs.Attempt(na, false)
		}
	}()

	log.Infof("peer %s ready (inbound=%v)", p.Addr(), inbound)

	if tip, ok := s.tracker.BestTip(); ok {
		p.send(wire.CmdHaveTip, (&wire.MsgHaveTip{TipHash: tip}).Encode())
	}
	p.send(wire.CmdGetAddrs, nil)

	s.pingLoop(ctx, p)
}

// pingLoop probes an idle connection and disconnects it if PongTimeout
// elapses without a reply (ยง5 idle timeout).
func (s *Server) pingLoop(ctx context.Context, p *Peer) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			idle := time.Since(p.lastRecv) >= s.cfg.PingInterval
			alreadyPending := p.pingPending
			p.mu.Unlock()
			if !idle || alreadyPending {
				continue
			}
			nonce := randomNonce()
			p.mu.Lock()
			p.pingPending = true
			p.pingNonce = nonce
			p.mu.Unlock()
			p.send(wire.CmdPing, (&wire.MsgPing{Nonce: nonce}).Encode())

			go func() {
				select {
				case <-time.After(s.cfg.PongTimeout):
					p.mu.Lock()
					stillPending := p.pingPending
					p.mu.Unlock()
					if stillPending {
						log.Warnf("peer %s: ping timeout", p.Addr())
						p.close()
					}
				case <-p.done:
				}
			}()
		}
	}
}

// dispatch routes one decoded frame to its handler. Unknown commands are
// ignored for forward compatibility (ยง6).
func (s *Server) dispatch(p *Peer, f *frame) {
	switch f.command {
	case wire.CmdVersion:
		s.handleVersion(p, f.payload)
	case wire.CmdVerAck:
		s.handleVerAck(p)
	case wire.CmdHaveTip:
		s.handleHaveTip(p, f.payload)
	case wire.CmdGetShares:
		s.handleGetShares(p, f.payload)
	case wire.CmdShares:
		s.handleShares(p, f.payload)
	case wire.CmdHaveTx:
		s.handleHaveTx(p, f.payload)
	case wire.CmdGetTx:
		s.handleGetTx(p, f.payload)
	case wire.CmdTx:
		s.handleTx(p, f.payload)
	case wire.CmdGetAddrs:
		s.handleGetAddrs(p)
	case wire.CmdAddrs:
		s.handleAddrs(p, f.payload)
	case wire.CmdPing:
		s.handlePing(p, f.payload)
	case wire.CmdPong:
		s.handlePong(p, f.payload)
	default:
		log.Debugf("peer %s: unknown command %q ignored", p.Addr(), f.command)
	}
}

func (s *Server) handleVersion(p *Peer, payload []byte) {
	v, err := wire.DecodeMsgVersion(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	if v.Nonce == s.selfNonce {
		log.Debugf("peer %s: self connection detected, disconnecting", p.Addr())
		p.close()
		return
	}
	p.mu.Lock()
	p.versionRecv = true
	p.theirVersion = v
	verackAlready := p.verackSent
	p.mu.Unlock()

	if !verackAlready {
		p.send(wire.CmdVerAck, nil)
		p.mu.Lock()
		p.verackSent = true
		p.mu.Unlock()
	}

	if p.addr == nil && p.inbound {
		host, _, err := net.SplitHostPort(p.conn.RemoteAddr().String())
		if err == nil {
			p.addr = &wire.NetAddress{Host: host, Port: v.ListenPort, LastSeen: time.Now().Unix()}
			s.addrs.AddAddress(p.addr, nil)
		}
	}
}

func (s *Server) handleVerAck(p *Peer) {
	p.mu.Lock()
	p.verackRecv = true
	p.mu.Unlock()
}

func (s *Server) handleHaveTip(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgHaveTip(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	if _, ok := s.tracker.Get(m.TipHash); ok {
		return
	}
	known := chainhash.Hash{}
	if tip, ok := s.tracker.BestTip(); ok {
		known = tip
	}
	p.send(wire.CmdGetShares, (&wire.MsgGetShares{
		Tip:       m.TipHash,
		KnownHash: known,
		MaxCount:  s.cfg.GetSharesBatch,
	}).Encode())
}

// handleGetShares walks backward from the requested tip and replies with up
// to MaxCount shares, stopping early at KnownHash (ยง4.8 "sync after
// have_tip").
func (s *Server) handleGetShares(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgGetShares(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	max := int(m.MaxCount)
	if max <= 0 || uint32(max) > s.cfg.GetSharesBatch {
		max = int(s.cfg.GetSharesBatch)
	}

	entries := s.tracker.GetChain(m.Tip, max)
	raw := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.Hash == m.KnownHash {
			break
		}
		if len(e.Raw) == 0 {
			continue
		}
		raw = append(raw, e.Raw)
	}
	p.send(wire.CmdShares, (&wire.MsgShares{Shares: raw}).Encode())
}

// handleShares validates and inserts each share in order (oldest ancestor
// handling is the tracker's own orphan queue), then re-requests further
// back if the batch didn't reach a known ancestor.
func (s *Server) handleShares(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgShares(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	if len(m.Shares) == 0 {
		return
	}

	var oldestUnknown chainhash.Hash
	haveGap := false
	for i := len(m.Shares) - 1; i >= 0; i-- {
		raw := m.Shares[i]
		share, err := wire.DecodeShare(raw, s.params.AcceptedVersions)
		if err != nil {
			p.countInvalid()
			continue
		}
		hash := share.Hash()
		if s.seenShares.has(hash) {
			continue
		}
		if err := s.insertShare(share, raw); err != nil {
			switch {
			case errors.Is(err, sharechain.ErrDuplicate):
			case errors.Is(err, validate.ErrUnknownPredecessor), errors.Is(err, sharechain.ErrOrphan):
				if !haveGap {
					oldestUnknown = share.Info.PreviousShareHash
				}
				haveGap = true
			default:
				log.Warnf("peer %s: rejecting share %s: %v", p.Addr(), hash, err)
				p.countInvalid()
			}
			continue
		}
		s.seenShares.add(hash)
		s.relayShare(hash, raw, p.id)
	}

	if haveGap {
		p.send(wire.CmdGetShares, (&wire.MsgGetShares{
			Tip:      oldestUnknown,
			MaxCount: s.cfg.GetSharesBatch,
		}).Encode())
	}

	s.maybeBroadcastTip()
}

// insertShare runs cheap and contextual verification and inserts into the
// tracker (ยง4.3). A share whose predecessor isn't yet known is queued by
// the tracker as an orphan; once the predecessor arrives, the tracker's
// context-verify hook (verifyEntry, registered in NewServer) re-runs
// contextual verification before the orphan is actually admitted.
func (s *Server) insertShare(share *wire.Share, raw []byte) error {
	now := time.Now()
	if err := validate.CheapVerify(share, s.params, now); err != nil {
		return err
	}

	subsidy := coinbaseTotal(&share.Coinbase)
	ctxErr := validate.ContextVerify(share, s.tracker, s.params, s.donationScript, subsidy)
	if ctxErr != nil && !errors.Is(ctxErr, validate.ErrUnknownPredecessor) {
		return ctxErr
	}

	entry := &sharechain.Entry{
		Hash:        share.Hash(),
		Predecessor: share.Info.PreviousShareHash,
		AbsHeight:   share.Info.AbsHeight,
		Share:       share,
		Raw:         raw,
		Verified:    ctxErr == nil,
		InsertedAt:  now,
	}
	return s.tracker.Insert(entry)
}

// coinbaseTotal sums every payout output's value (every output but the
// trailing zero-value metadata commitment), which equals subsidy+fees by
// ยง3 invariant 4.
func coinbaseTotal(coinbase *wire.CoinbaseTx) int64 {
	if len(coinbase.TxOut) == 0 {
		return 0
	}
	var total int64
	for _, o := range coinbase.TxOut[:len(coinbase.TxOut)-1] {
		total += o.Value
	}
	return total
}

func (s *Server) handleHaveTx(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgHaveTx(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	if s.seenTx.has(m.Hash) || (s.tx != nil && s.tx.HasTx(m.Hash)) {
		return
	}
	p.send(wire.CmdGetTx, (&wire.MsgGetTx{Hash: m.Hash}).Encode())
}

func (s *Server) handleGetTx(p *Peer, payload []byte) {
	// This node does not maintain its own transaction store to serve
	// gettx from; it only relays tx bodies it has itself received. A
	// fuller implementation would consult the parent node's mempool here.
	_, err := wire.DecodeMsgGetTx(payload)
	if err != nil {
		p.countMalformed()
	}
}

func (s *Server) handleTx(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgTx(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	hash := chainhash.DoubleHashH(m.Raw)
	if s.seenTx.has(hash) {
		return
	}
	s.seenTx.add(hash)

	if s.tx != nil {
		if err := s.tx.SubmitTx(m.Raw); err != nil {
			log.Debugf("relay tx %s to parent node: %v", hash, err)
		}
	}
	s.relayTx(hash, m.Raw, p.id)
}

func (s *Server) handleGetAddrs(p *Peer) {
	good := s.addrs.GoodAddresses()
	out := make([]wire.NetAddress, 0, len(good))
	for _, a := range good {
		out = append(out, *a)
	}
	p.send(wire.CmdAddrs, (&wire.MsgAddrs{Addrs: out}).Encode())
}

func (s *Server) handleAddrs(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgAddrs(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	for i := range m.Addrs {
		na := m.Addrs[i]
		s.addrs.AddAddress(&na, p.addr)
	}
}

func (s *Server) handlePing(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgPing(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	p.send(wire.CmdPong, (&wire.MsgPong{Nonce: m.Nonce}).Encode())
}

func (s *Server) handlePong(p *Peer, payload []byte) {
	m, err := wire.DecodeMsgPong(payload)
	if err != nil {
		p.countMalformed()
		return
	}
	p.mu.Lock()
	if p.pingPending && p.pingNonce == m.Nonce {
		p.pingPending = false
	}
	p.mu.Unlock()
}

// relayShare forwards a freshly inserted share to every peer but the one it
// arrived from.
func (s *Server) relayShare(hash chainhash.Hash, raw []byte, fromPeer uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if id == fromPeer {
			continue
		}
		p.send(wire.CmdShares, (&wire.MsgShares{Shares: [][]byte{raw}}).Encode())
	}
}

// relayTx forwards a gossiped transaction to every peer but the one it
// arrived from, announcing via have_tx rather than pushing the body
// directly, matching the request/reply shape steady-state peers expect.
func (s *Server) relayTx(hash chainhash.Hash, raw []byte, fromPeer uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if id == fromPeer {
			continue
		}
		p.send(wire.CmdHaveTx, (&wire.MsgHaveTx{Hash: hash}).Encode())
	}
}

// BroadcastTip announces the tracker's current best tip to every connected
// peer, for use by the caller whenever a locally-mined share changes it.
func (s *Server) BroadcastTip() {
	tip, ok := s.tracker.BestTip()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastTip = tip
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	msg := (&wire.MsgHaveTip{TipHash: tip}).Encode()
	for _, p := range peers {
		p.send(wire.CmdHaveTip, msg)
	}
}

// maybeBroadcastTip calls BroadcastTip only if the tracker's best tip moved
// since the last announcement, avoiding redundant have_tip spam while a
// sync batch is still being processed share by share.
func (s *Server) maybeBroadcastTip() {
	tip, ok := s.tracker.BestTip()
	if !ok {
		return
	}
	s.mu.Lock()
	changed := tip != s.lastTip
	s.mu.Unlock()
	if changed {
		s.BroadcastTip()
	}
}

// AnnounceShare is called by the submission pipeline when a locally-mined
// share is accepted, so it is gossiped to peers the same way a
// network-received one is.
func (s *Server) AnnounceShare(raw []byte) {
	share, err := wire.DecodeShare(raw, s.params.AcceptedVersions)
	if err != nil {
		log.Errorf("p2p: announce local share: %v", err)
		return
	}
	hash := share.Hash()
	s.seenShares.add(hash)
	s.relayShare(hash, raw, 0)
	s.maybeBroadcastTip()
}
