// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/addrmgr"
	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

func testParams() *chaincfg.Params {
	p := chaincfg.TestNetParams
	return &p
}

func newTestServer(t *testing.T, listenAddr string) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = listenAddr
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.PingInterval = time.Hour
	cfg.ReconnectInterval = time.Hour

	tr := sharechain.New(testParams())
	mgr := addrmgr.New("")
	s := NewServer(cfg, testParams(), tr, mgr, []byte("donation"), nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dialAddr(t *testing.T, addrStr string) *wire.NetAddress {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addrStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &wire.NetAddress{Host: host, Port: uint16(port), LastSeen: time.Now().Unix()}
}

func TestHandshakeConnectsPeers(t *testing.T) {
	a := newTestServer(t, "127.0.0.1:0")
	b := newTestServer(t, "127.0.0.1:0")

	b.addrs.AddAddress(dialAddr(t, a.listener.Addr().String()), nil)
	b.maintainOutbound(context.Background())

	require.Eventually(t, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandshakeRejectsSelfConnection(t *testing.T) {
	a := newTestServer(t, "127.0.0.1:0")

	// A node dialing itself carries the same nonce in its version message,
	// so the handshake must detect and drop the connection rather than
	// register a peer.
	a.addrs.AddAddress(dialAddr(t, a.listener.Addr().String()), nil)
	a.maintainOutbound(context.Background())

	require.Never(t, func() bool {
		return a.PeerCount() != 0
	}, 500*time.Millisecond, 20*time.Millisecond)
}

func TestSeenSetDedup(t *testing.T) {
	s := newSeenSet(4)
	h := chainhash.Hash{0x01}
	require.False(t, s.has(h))
	s.add(h)
	require.True(t, s.has(h))
}

func TestCoinbaseTotalExcludesCommitmentOutput(t *testing.T) {
	coinbase := &btcwire.MsgTx{
		TxOut: []*btcwire.TxOut{
			{Value: 1000, PkScript: []byte("a")},
			{Value: 2000, PkScript: []byte("b")},
			{Value: 0, PkScript: []byte("commitment")},
		},
	}
	require.Equal(t, int64(3000), coinbaseTotal(coinbase))
}
