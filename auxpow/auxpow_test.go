// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package auxpow

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
)

func buildProof(t *testing.T, auxHash chainhash.Hash, bits uint32) *Proof {
	t.Helper()

	coinbase := btcwire.NewMsgTx(1)
	coinbase.AddTxIn(&btcwire.TxIn{
		SignatureScript: EncodeCommitment(DefaultCommitmentTag, auxHash),
	})
	coinbaseHash := coinbase.TxHash()

	header := &btcwire.BlockHeader{
		Version:   1,
		Bits:      bits,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], coinbaseHash[:])
	copy(buf[chainhash.HashSize:], coinbaseHash[:])
	header.MerkleRoot = chainhash.DoubleHashH(buf[:])

	return &Proof{
		ParentCoinbase: coinbase,
		ParentHeader:   header,
		MerkleBranch:   []chainhash.Hash{coinbaseHash},
		AuxBlockHash:   auxHash,
	}
}

func easyConfig() *Config {
	return &Config{Enabled: true, ChainID: 1}
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	v := NewValidator(easyConfig(), &chaincfg.TestNetParams)
	auxHash := chainhash.HashH([]byte("aux block"))
	proof := buildProof(t, auxHash, 0x207fffff)

	easyTarget := CompactToBig(0x207fffff)
	require.NoError(t, v.Verify(proof, easyTarget))
}

func TestVerifyRejectsWhenDisabled(t *testing.T) {
	cfg := easyConfig()
	cfg.Enabled = false
	v := NewValidator(cfg, &chaincfg.TestNetParams)
	auxHash := chainhash.HashH([]byte("aux block"))
	proof := buildProof(t, auxHash, 0x207fffff)

	err := v.Verify(proof, CompactToBig(0x207fffff))
	require.ErrorIs(t, err, ErrDisabled)
}

func TestVerifyRejectsCommitmentMismatch(t *testing.T) {
	v := NewValidator(easyConfig(), &chaincfg.TestNetParams)
	auxHash := chainhash.HashH([]byte("aux block"))
	proof := buildProof(t, auxHash, 0x207fffff)
	proof.AuxBlockHash = chainhash.HashH([]byte("different aux block"))

	err := v.Verify(proof, CompactToBig(0x207fffff))
	require.ErrorIs(t, err, ErrCommitmentMismatch)
}

func TestVerifyRejectsInsufficientWork(t *testing.T) {
	v := NewValidator(easyConfig(), &chaincfg.TestNetParams)
	auxHash := chainhash.HashH([]byte("aux block"))
	proof := buildProof(t, auxHash, 0x207fffff)

	tinyTarget := new(big.Int).Rsh(CompactToBig(0x207fffff), 8)
	err := v.Verify(proof, tinyTarget)
	require.ErrorIs(t, err, ErrInsufficientWork)
}

func TestSunsetActivatesAfterNoticeWindow(t *testing.T) {
	cfg := &Config{
		Enabled:                 true,
		ChainID:                 1,
		SunsetHashrateThreshold: 50,
		MonitoringBlocks:        1,
		SunsetNoticeBlocks:      2,
	}
	v := NewValidator(cfg, &chaincfg.TestNetParams)

	for h := uint32(1); h <= 5; h++ {
		v.NoteBlock(h, false)
	}

	activated, notice := v.SunsetStatus()
	require.True(t, activated)
	require.Greater(t, notice, uint32(0))

	auxHash := chainhash.HashH([]byte("aux block"))
	proof := buildProof(t, auxHash, 0x207fffff)
	err := v.Verify(proof, CompactToBig(0x207fffff))
	require.ErrorIs(t, err, ErrSunset)
}

func TestWorkFromBitsMonotonic(t *testing.T) {
	easy := WorkFromBits(0x207fffff)
	hard := WorkFromBits(0x1d00ffff)
	require.True(t, hard.Cmp(easy) > 0)
}
