// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharechain

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
)

func testParams() *chaincfg.Params {
	p := chaincfg.TestNetParams
	p.ReorgLimit = 10
	p.ChainLength = 10
	return &p
}

func entry(hashByte byte, pred chainhash.Hash, height uint64, work int64) *Entry {
	h := chainhash.Hash{}
	h[0] = hashByte
	return &Entry{
		Hash:        h,
		Predecessor: pred,
		AbsHeight:   height,
		AbsWork:     big.NewInt(work),
		Share:       nil,
		InsertedAt:  time.Now(),
	}
}

func TestInsertAndBestTip(t *testing.T) {
	tr := New(testParams())

	genesis := entry(1, chainhash.Hash{}, 0, 100)
	require.NoError(t, tr.InsertGenesis(genesis))

	a := entry(2, genesis.Hash, 1, 200)
	require.NoError(t, tr.Insert(a))

	tip, ok := tr.BestTip()
	require.True(t, ok)
	require.Equal(t, a.Hash, tip)
}

func TestInsertOrphanThenResolve(t *testing.T) {
	tr := New(testParams())
	genesis := entry(1, chainhash.Hash{}, 0, 100)
	require.NoError(t, tr.InsertGenesis(genesis))

	b := entry(3, entry(2, genesis.Hash, 1, 200).Hash, 2, 300)
	err := tr.Insert(b)
	require.ErrorIs(t, err, ErrOrphan)

	_, ok := tr.BestTip()
	require.True(t, ok) // genesis is still the only known tip

	a := entry(2, genesis.Hash, 1, 200)
	require.NoError(t, tr.Insert(a))

	// b's predecessor (a) has now arrived, so b should have been
	// inserted automatically by orphan resolution.
	tip, ok := tr.BestTip()
	require.True(t, ok)
	require.Equal(t, b.Hash, tip)
}

func TestDuplicateInsertRejected(t *testing.T) {
	tr := New(testParams())
	genesis := entry(1, chainhash.Hash{}, 0, 100)
	require.NoError(t, tr.InsertGenesis(genesis))
	require.ErrorIs(t, tr.InsertGenesis(genesis), ErrDuplicate)
}

func TestBestTipTieBreaksByLowestHash(t *testing.T) {
	tr := New(testParams())
	genesis := entry(1, chainhash.Hash{}, 0, 100)
	require.NoError(t, tr.InsertGenesis(genesis))

	// Equal work and height; hash byte 0x02 < 0x05 lexicographically.
	a := entry(5, genesis.Hash, 1, 200)
	b := entry(2, genesis.Hash, 1, 200)
	require.NoError(t, tr.Insert(a))
	require.NoError(t, tr.Insert(b))

	tip, ok := tr.BestTip()
	require.True(t, ok)
	require.Equal(t, b.Hash, tip)
}

func TestReorgOnHigherWork(t *testing.T) {
	tr := New(testParams())
	genesis := entry(0x10, chainhash.Hash{}, 0, 100)
	require.NoError(t, tr.InsertGenesis(genesis))

	a := entry(0x11, genesis.Hash, 1, 200)
	b := entry(0x12, a.Hash, 2, 300)
	c := entry(0x13, b.Hash, 3, 400)
	for _, e := range []*Entry{a, b, c} {
		require.NoError(t, tr.Insert(e))
	}
	tip, _ := tr.BestTip()
	require.Equal(t, c.Hash, tip)

	bPrime := entry(0x22, a.Hash, 2, 301)
	cPrime := entry(0x23, bPrime.Hash, 3, 402)
	dPrime := entry(0x24, cPrime.Hash, 4, 503)
	for _, e := range []*Entry{bPrime, cPrime, dPrime} {
		require.NoError(t, tr.Insert(e))
	}

	tip, ok := tr.BestTip()
	require.True(t, ok)
	require.Equal(t, dPrime.Hash, tip)

	disconnect, connect := tr.ReorgRange(c.Hash, dPrime.Hash)
	require.Equal(t, []chainhash.Hash{c.Hash, b.Hash}, disconnect)
	require.Equal(t, []chainhash.Hash{bPrime.Hash, cPrime.Hash, dPrime.Hash}, connect)
}

func TestPruneBoundary(t *testing.T) {
	params := testParams()
	params.ChainLength = 2 // RETENTION = 4
	tr := New(params)

	genesis := entry(0, chainhash.Hash{}, 0, 0)
	require.NoError(t, tr.InsertGenesis(genesis))

	prev := genesis
	var chain []*Entry
	for i := byte(1); i <= 6; i++ {
		e := entry(i, prev.Hash, uint64(i), int64(i)*100)
		require.NoError(t, tr.Insert(e))
		chain = append(chain, e)
		prev = e
	}
	tip, _ := tr.BestTip()

	// Depth exactly RETENTION (4) from tip (height 6) is height 2: still
	// present before pruning.
	depthFour := chain[1] // height 2
	_, ok := tr.Get(depthFour.Hash)
	require.True(t, ok)

	tr.Prune(tip)

	// Genesis (depth 6) exceeds RETENTION=4 and should be archived away.
	_, ok = tr.Get(genesis.Hash)
	require.False(t, ok)

	// The tip itself always survives pruning.
	_, ok = tr.Get(tip)
	require.True(t, ok)
}
