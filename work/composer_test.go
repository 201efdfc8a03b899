// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package work

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

func testParams() *chaincfg.Params {
	p := chaincfg.TestNetParams
	p.ChainLength = 100
	p.FarShareOffset = 2
	return &p
}

func TestComposeBuildsJob(t *testing.T) {
	params := testParams()
	tr := sharechain.New(params)

	genesis := &sharechain.Entry{
		Hash: chainhash.Hash{0x01},
		Share: &wire.Share{Info: wire.ShareInfo{
			Bits:         0x1d00ffff,
			PayoutScript: []byte("priorMiner"),
		}},
	}
	require.NoError(t, tr.InsertGenesis(genesis))

	tmpl := &BlockTemplate{
		PrevHash:        chainhash.Hash{0x02},
		Height:          1000,
		Version:         1,
		Bits:            0x1d00ffff,
		CurTime:         time.Now().Unix(),
		SubsidyPlusFees: 5000000000,
		Transactions: []*btcwire.MsgTx{
			btcwire.NewMsgTx(1),
		},
	}

	job, err := Compose(tr, params, []byte("donation"), tmpl, nil, 4, 4, []byte("thisMiner"), nil, 1000, 0, 34, true)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, tmpl.PrevHash, job.PrevHash)
	require.Len(t, job.MerklePath, 1)
	require.True(t, job.CleanJobs)
	require.Equal(t, genesis.Hash, job.PreviousShareHash)
	require.NotEqual(t, chainhash.Hash{}, job.RefHash)

	// The coinbase halves must reassemble around the reserved extranonce
	// window without overlapping it.
	require.NotEmpty(t, job.CoinbasePrefix)
	require.NotEmpty(t, job.CoinbaseSuffix)
}

func TestComposeEmbedsAuxCommitment(t *testing.T) {
	params := testParams()
	tr := sharechain.New(params)

	genesis := &sharechain.Entry{
		Hash: chainhash.Hash{0x01},
		Share: &wire.Share{Info: wire.ShareInfo{
			Bits:         0x1d00ffff,
			PayoutScript: []byte("priorMiner"),
		}},
	}
	require.NoError(t, tr.InsertGenesis(genesis))

	tmpl := &BlockTemplate{
		PrevHash:        chainhash.Hash{0x02},
		Height:          1000,
		Version:         1,
		Bits:            0x1d00ffff,
		CurTime:         time.Now().Unix(),
		SubsidyPlusFees: 5000000000,
	}
	aux := &AuxTemplate{ChainID: 1, Subsidy: 100000, AuxBlockHash: chainhash.Hash{0x03}}

	job, err := Compose(tr, params, []byte("donation"), tmpl, aux, 4, 4, []byte("thisMiner"), []byte("auxMiner"), 1000, 0, 34, true)
	require.NoError(t, err)
	require.NotEmpty(t, job.CoinbasePrefix)
}

func TestComposeFailsWithoutBestTip(t *testing.T) {
	params := testParams()
	tr := sharechain.New(params)
	tmpl := &BlockTemplate{CurTime: time.Now().Unix()}
	_, err := Compose(tr, params, nil, tmpl, nil, 4, 4, []byte("x"), nil, 0, 0, 34, false)
	require.ErrorIs(t, err, ErrNoBestTip)
}
