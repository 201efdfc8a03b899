// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"testing"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func sampleShare(version uint16) *Share {
	coinbase := btcwire.NewMsgTx(1)
	coinbase.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x03, 0x01, 0x02, 0x03},
		Sequence:         0xffffffff,
	})
	coinbase.AddTxOut(&btcwire.TxOut{Value: 5000000000, PkScript: []byte{0x76, 0xa9}})

	hdr := btcwire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{0x01},
		MerkleRoot: chainhash.Hash{0x02},
		Timestamp:  time.Unix(1700000000, 0),
		Bits:       0x1d00ffff,
		Nonce:      42,
	}

	return &Share{
		SchemaVersion: version,
		ParentHeader:  hdr,
		Coinbase:      *coinbase,
		MerkleLink: MerkleLink{
			Siblings: []chainhash.Hash{{0x03}, {0x04}},
			Index:    1,
		},
		Info: ShareInfo{
			PreviousShareHash: chainhash.Hash{0x05},
			FarShareHash:      chainhash.Hash{0x06},
			Bits:              0x1d00ffff,
			Timestamp:         1700000000,
			AbsHeight:         12345,
			PayoutScript:      []byte{0x76, 0xa9, 0x14},
			NewTransactions:   []chainhash.Hash{{0x07}},
			DesiredVersion:    version,
			DonationFraction:  500,
		},
	}
}

func TestShareRoundTrip(t *testing.T) {
	for _, version := range []uint16{17, 34, 36} {
		s := sampleShare(version)
		if version >= 36 {
			s.Info.AuxWork = []AuxWork{{ChainID: 7, Script: []byte{0x51}}}
		}

		buf, err := s.Encode()
		require.NoError(t, err)

		got, err := DecodeShare(buf, []uint16{17, 32, 33, 34, 35, 36})
		require.NoError(t, err)

		require.Equal(t, s.Info.AbsHeight, got.Info.AbsHeight)
		require.Equal(t, s.Info.PayoutScript, got.Info.PayoutScript)
		require.Equal(t, s.MerkleLink.Index, got.MerkleLink.Index)
		require.Equal(t, s.Hash(), got.Hash())
		require.Equal(t, s.RefHash(), got.RefHash())
	}
}

func TestDecodeShareRejectsUnknownVersion(t *testing.T) {
	s := sampleShare(999)
	buf, err := s.Encode()
	require.NoError(t, err)

	_, err = DecodeShare(buf, []uint16{17, 32, 33, 34, 35, 36})
	require.ErrorIs(t, err, ErrUnknownVariant)
}

func TestMerkleLinkApply(t *testing.T) {
	leaf := chainhash.Hash{0xaa}
	sibling := chainhash.Hash{0xbb}
	link := MerkleLink{Siblings: []chainhash.Hash{sibling}, Index: 0}
	root := link.Apply(leaf)
	require.Equal(t, hashPair(leaf, sibling), root)
}
