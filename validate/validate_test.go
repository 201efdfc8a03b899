// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package validate

import (
	"math/big"
	"testing"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

// easyBits decodes to a target of exactly 2^256, above every 256-bit
// header hash, so any header satisfies the proof-of-work check
// deterministically.
const easyBits = 0x21010000

func easyParams() *chaincfg.Params {
	p := chaincfg.TestNetParams
	p.MaxTarget = new(big.Int).Lsh(big.NewInt(1), 256)
	p.MinTarget = big.NewInt(1)
	p.ChainLength = 100
	p.TargetLookbehind = 5
	p.FarShareOffset = 2
	return &p
}

func makeShare(t *testing.T, version uint16, bits uint32, timestamp uint32, payoutScript []byte, prevHash, farHash, prevShareHash [32]byte, absHeight uint64) *wire.Share {
	t.Helper()

	coinbase := btcwire.NewMsgTx(1)
	coinbase.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x03, 0x01, 0x02, 0x03},
		Sequence:         0xffffffff,
	})
	coinbase.AddTxOut(&btcwire.TxOut{Value: 1000, PkScript: payoutScript})

	hdr := btcwire.BlockHeader{
		Version:    1,
		PrevBlock:  prevHash,
		MerkleRoot: [32]byte{0x42},
		Timestamp:  time.Unix(int64(timestamp), 0),
		Bits:       bits,
		Nonce:      7,
	}

	info := wire.ShareInfo{
		PreviousShareHash: prevShareHash,
		FarShareHash:      farHash,
		Bits:              bits,
		Timestamp:         timestamp,
		AbsHeight:         absHeight,
		PayoutScript:      payoutScript,
		DesiredVersion:    version,
	}

	s := &wire.Share{
		SchemaVersion: version,
		ParentHeader:  hdr,
		Coinbase:      *coinbase,
		Info:          info,
	}

	commitment := s.RefHash()
	s.Coinbase.AddTxOut(&btcwire.TxOut{Value: 0, PkScript: EncodeCommitment(commitment)})
	return s
}

func TestCheapVerifyAccepts(t *testing.T) {
	params := easyParams()
	s := makeShare(t, 34, easyBits, uint32(time.Now().Unix()), []byte("addrA"), [32]byte{0x01}, [32]byte{}, [32]byte{}, 1)
	require.NoError(t, CheapVerify(s, params, time.Now()))
}

func TestCheapVerifyRejectsBadCommitment(t *testing.T) {
	params := easyParams()
	s := makeShare(t, 34, easyBits, uint32(time.Now().Unix()), []byte("addrA"), [32]byte{0x01}, [32]byte{}, [32]byte{}, 1)
	s.Coinbase.TxOut[len(s.Coinbase.TxOut)-1].PkScript = EncodeCommitment([32]byte{0xde, 0xad})
	require.ErrorIs(t, CheapVerify(s, params, time.Now()), ErrBadCoinbase)
}

func TestCheapVerifyRejectsFutureTimestamp(t *testing.T) {
	params := easyParams()
	future := uint32(time.Now().Add(10 * time.Hour).Unix())
	s := makeShare(t, 34, easyBits, future, []byte("addrA"), [32]byte{0x01}, [32]byte{}, [32]byte{}, 1)
	require.ErrorIs(t, CheapVerify(s, params, time.Now()), ErrTimestampWindow)
}

func TestCheapVerifyRejectsUnsupportedVersion(t *testing.T) {
	params := easyParams()
	s := makeShare(t, 9999, easyBits, uint32(time.Now().Unix()), []byte("addrA"), [32]byte{0x01}, [32]byte{}, [32]byte{}, 1)
	require.ErrorIs(t, CheapVerify(s, params, time.Now()), ErrUnsupportedVersion)
}

func TestExtractCommitmentRoundTrip(t *testing.T) {
	var refHash [32]byte
	refHash[0] = 0x99
	script := EncodeCommitment(refHash)
	coinbase := btcwire.NewMsgTx(1)
	coinbase.AddTxOut(&btcwire.TxOut{Value: 0, PkScript: script})

	got, err := ExtractCommitment(coinbase)
	require.NoError(t, err)
	require.Equal(t, refHash, [32]byte(got))
}

func TestRetargetClampsToMaxStep(t *testing.T) {
	params := easyParams()
	params.MaxRetargetStep = 0.5
	tr := sharechain.New(params)

	genesis := &sharechain.Entry{
		Hash:  [32]byte{0x01},
		Share: &wire.Share{Info: wire.ShareInfo{Bits: 0x1d00ffff, Timestamp: 1000}},
	}
	require.NoError(t, tr.InsertGenesis(genesis))

	// Every subsequent share arrives instantly (delta near zero), which
	// would drive the naive retarget target toward zero; the clamp must
	// hold it to no tighter than predTarget * (1 - MAX_STEP).
	prev := genesis
	predTarget := sharechain.CompactToBig(genesis.Share.Info.Bits)
	lowerBound := new(big.Int).Div(new(big.Int).Mul(predTarget, big.NewInt(1)), big.NewInt(2))

	for i := 1; i <= 3; i++ {
		h := [32]byte{}
		h[0] = byte(i + 1)
		e := &sharechain.Entry{
			Hash:        h,
			Predecessor: prev.Hash,
			AbsHeight:   uint64(i),
			Share:       &wire.Share{Info: wire.ShareInfo{Bits: genesis.Share.Info.Bits, Timestamp: 1001}},
		}
		require.NoError(t, tr.Insert(e))
		prev = e
	}

	bits, err := Retarget(tr, prev, params)
	require.NoError(t, err)
	newTarget := sharechain.CompactToBig(bits)
	require.GreaterOrEqual(t, newTarget.Cmp(lowerBound), 0)
}
