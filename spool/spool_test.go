// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spool

import (
	"math/big"
	"testing"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

func testParams() *chaincfg.Params {
	p := chaincfg.TestNetParams
	p.ReorgLimit = 100
	p.ChainLength = 100
	return &p
}

// chainShare builds a minimal, schema-version-17 share chaining onto pred at
// height, with just enough structure to round-trip through Encode/Decode.
func chainShare(seed byte, pred chainhash.Hash, height uint64) *wire.Share {
	coinbase := btcwire.NewMsgTx(1)
	coinbase.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{seed},
		Sequence:         0xffffffff,
	})
	coinbase.AddTxOut(&btcwire.TxOut{Value: 5000000000, PkScript: []byte{0x76, 0xa9}})

	return &wire.Share{
		SchemaVersion: 17,
		ParentHeader: btcwire.BlockHeader{
			Version:    1,
			PrevBlock:  chainhash.Hash{seed},
			MerkleRoot: chainhash.Hash{seed, 1},
			Timestamp:  time.Unix(1700000000+int64(height), 0),
			Bits:       0x1d00ffff,
			Nonce:      uint32(seed),
		},
		Coinbase: *coinbase,
		MerkleLink: wire.MerkleLink{
			Siblings: nil,
			Index:    0,
		},
		Info: wire.ShareInfo{
			PreviousShareHash: pred,
			Bits:              0x1d00ffff,
			Timestamp:         1700000000 + int64(height),
			AbsHeight:         height,
			PayoutScript:      []byte{0x76, 0xa9, 0x14},
			DesiredVersion:    17,
			DonationFraction:  500,
		},
	}
}

func entryFor(t *testing.T, share *wire.Share) *sharechain.Entry {
	t.Helper()
	raw, err := share.Encode()
	require.NoError(t, err)
	return &sharechain.Entry{
		Hash:        share.Hash(),
		Predecessor: share.Info.PreviousShareHash,
		AbsHeight:   share.Info.AbsHeight,
		AbsWork:     big.NewInt(int64(share.Info.AbsHeight) + 1),
		Share:       share,
		Raw:         raw,
		Verified:    true,
		InsertedAt:  time.Now(),
	}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	require.NoError(t, err)

	genesis := chainShare(1, chainhash.Hash{}, 0)
	child := chainShare(2, genesis.Hash(), 1)

	require.NoError(t, sp.Append(entryFor(t, genesis)))
	require.NoError(t, sp.Append(entryFor(t, child)))
	require.NoError(t, sp.Close())

	sp2, err := Open(dir)
	require.NoError(t, err)
	defer sp2.Close()

	tracker := sharechain.New(testParams())
	n, err := sp2.Replay(tracker, []uint16{17})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	tip, ok := tracker.BestTip()
	require.True(t, ok)
	require.Equal(t, child.Hash(), tip)
}

func TestReplaySkipsUndecodableTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	require.NoError(t, err)

	genesis := chainShare(1, chainhash.Hash{}, 0)
	require.NoError(t, sp.Append(entryFor(t, genesis)))

	// Simulate a crash mid-append: a record whose payload is cut one byte short.
	require.NoError(t, writeRecord(sp.logFile, []byte{0x01, 0x02}))
	require.NoError(t, sp.logFile.Truncate(mustSize(t, sp)-1))
	require.NoError(t, sp.Close())

	sp2, err := Open(dir)
	require.NoError(t, err)
	defer sp2.Close()

	tracker := sharechain.New(testParams())
	n, err := sp2.Replay(tracker, []uint16{17})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func mustSize(t *testing.T, sp *Spool) int64 {
	t.Helper()
	info, err := sp.logFile.Stat()
	require.NoError(t, err)
	return info.Size()
}

func TestPruneArchivesAndCompacts(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	require.NoError(t, err)
	defer sp.Close()

	tracker := sharechain.New(testParams())
	genesis := chainShare(1, chainhash.Hash{}, 0)
	child := chainShare(2, genesis.Hash(), 1)

	ge, ce := entryFor(t, genesis), entryFor(t, child)
	require.NoError(t, tracker.InsertGenesis(ge))
	require.NoError(t, tracker.Insert(ce))
	require.NoError(t, sp.Append(ge))
	require.NoError(t, sp.Append(ce))

	require.NoError(t, sp.Prune(tracker, []chainhash.Hash{genesis.Hash()}, time.Now()))

	tracker2 := sharechain.New(testParams())
	n, err := sp.Replay(tracker2, []uint16{17})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAddrBookPath(t *testing.T) {
	require.Equal(t, "/data/addrs.json", AddrBookPath("/data"))
}
