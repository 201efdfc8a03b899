// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pplns

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

const equalBits = 0x1e0fffff // an easy, equal-for-all-shares target

func buildChain(t *testing.T, scripts []string, donationFraction uint16) (*sharechain.Tracker, chainhash.Hash) {
	t.Helper()
	params := chaincfg.TestNetParams
	params.ChainLength = uint64(len(scripts)) + 10
	tr := sharechain.New(&params)

	// A share-less genesis anchors the chain without adding a payout
	// recipient of its own.
	genesis := &sharechain.Entry{
		Hash:    chainhash.Hash{0xff},
		AbsWork: big.NewInt(1),
	}
	require.NoError(t, tr.InsertGenesis(genesis))

	prev := genesis.Hash
	var tip chainhash.Hash
	for i, script := range scripts {
		h := chainhash.Hash{}
		h[0] = byte(i + 1)
		e := &sharechain.Entry{
			Hash:        h,
			Predecessor: prev,
			AbsHeight:   uint64(i + 1),
			Share: &wire.Share{Info: wire.ShareInfo{
				Bits:             equalBits,
				PayoutScript:     []byte(script),
				DonationFraction: donationFraction,
			}},
		}
		require.NoError(t, tr.Insert(e))
		prev = h
		tip = h
	}
	return tr, tip
}

func TestPPLNSSpreadAcrossMiners(t *testing.T) {
	scripts := make([]string, 0, 100)
	for i := 0; i < 70; i++ {
		scripts = append(scripts, "addrA")
	}
	for i := 0; i < 30; i++ {
		scripts = append(scripts, "addrB")
	}

	tr, tip := buildChain(t, scripts, 0)
	params := chaincfg.TestNetParams
	params.ChainLength = 1000

	result, err := Compute(tr, &params, nil, tip, 10000)
	require.NoError(t, err)
	require.Len(t, result.Parent, 2)

	byScript := map[string]int64{}
	for _, p := range result.Parent {
		byScript[string(p.Script)] = p.Amount
	}

	require.Equal(t, int64(7000), byScript["addrA"])
	require.Equal(t, int64(3000), byScript["addrB"])
}

func TestPPLNSRoundingResidualToHighestWeight(t *testing.T) {
	scripts := []string{"addrA", "addrA", "addrA", "addrB"}
	tr, tip := buildChain(t, scripts, 0)
	params := chaincfg.TestNetParams
	params.ChainLength = 1000

	result, err := Compute(tr, &params, nil, tip, 10) // 10 does not divide evenly by 4
	require.NoError(t, err)

	var total int64
	var addrA int64
	for _, p := range result.Parent {
		total += p.Amount
		if string(p.Script) == "addrA" {
			addrA = p.Amount
		}
	}
	require.Equal(t, int64(10), total)
	// addrA has 3/4 weight (floor(7.5)=7) plus any rounding residual.
	require.GreaterOrEqual(t, addrA, int64(7))
}

func TestPPLNSDeterministicAndStable(t *testing.T) {
	scripts := []string{"addrA", "addrB", "addrA", "addrC"}
	tr, tip := buildChain(t, scripts, 1000)
	params := chaincfg.TestNetParams
	params.ChainLength = 1000

	r1, err := Compute(tr, &params, []byte("donation"), tip, 123456)
	require.NoError(t, err)
	r2, err := Compute(tr, &params, []byte("donation"), tip, 123456)
	require.NoError(t, err)

	require.True(t, Equal(r1.Parent, r2.Parent))
}

func TestPPLNSDonationSplit(t *testing.T) {
	// donation fraction of 65535/2 ~ 50%
	tr, tip := buildChain(t, []string{"addrA"}, 32767)
	params := chaincfg.TestNetParams
	params.ChainLength = 10

	result, err := Compute(tr, &params, []byte("donation"), tip, 100000)
	require.NoError(t, err)

	byScript := map[string]int64{}
	for _, p := range result.Parent {
		byScript[string(p.Script)] = p.Amount
	}
	require.InDelta(t, 50000, byScript["addrA"], 100)
	require.InDelta(t, 50000, byScript["donation"], 100)
}
