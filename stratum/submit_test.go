// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
	"github.com/p2pool-go/p2pool/work"
)

// easyBits decodes to a target many times larger than the widest possible
// 256-bit header hash, so every tier of the submission pipeline accepts
// deterministically regardless of the actual hash value.
const easyBits = 0xff7fffff

func easyParams() *chaincfg.Params {
	p := chaincfg.TestNetParams
	p.MaxTarget = new(big.Int).Lsh(big.NewInt(1), 4096)
	p.MinTarget = big.NewInt(1)
	p.ChainLength = 100
	p.FarShareOffset = 2
	return &p
}

// buildTestJob composes a real job against a one-share chain, then loosens
// its difficulty fields to easyBits so a zero-nonce header clears every
// tier of the submission pipeline deterministically.
func buildTestJob(t *testing.T, params *chaincfg.Params, withAux bool) *work.Job {
	t.Helper()

	tr := sharechain.New(params)
	genesis := &sharechain.Entry{
		Hash: chainhash.Hash{0x01},
		Share: &wire.Share{Info: wire.ShareInfo{
			Bits:         easyBits,
			PayoutScript: []byte("priorMiner"),
		}},
	}
	require.NoError(t, tr.InsertGenesis(genesis))

	tmpl := &work.BlockTemplate{
		PrevHash:        chainhash.Hash{0x02},
		Height:          1000,
		Version:         1,
		Bits:            easyBits,
		CurTime:         time.Now().Unix(),
		SubsidyPlusFees: 5000000000,
	}

	var aux *work.AuxTemplate
	if withAux {
		aux = &work.AuxTemplate{ChainID: 7, Subsidy: 100000, Bits: easyBits, AuxBlockHash: chainhash.Hash{0x03}}
	}

	job, err := work.Compose(tr, params, []byte("donation"), tmpl, aux, 4, 4, []byte("thisMiner"), []byte("auxMiner"), 0, 0, 34, true)
	require.NoError(t, err)

	job.ShareBits = easyBits
	return job
}

func newSubmitParams(ntime uint32) *SubmitParams {
	return &SubmitParams{
		Worker:      "worker1",
		JobID:       "job1",
		Extranonce2: []byte{0, 0, 0, 0},
		Ntime:       ntime,
		Nonce:       0,
	}
}

func TestPipelineSubmitAcceptsShare(t *testing.T) {
	params := easyParams()
	job := buildTestJob(t, params, false)
	tr := sharechain.New(params)

	cfg := DefaultConfig()
	p := NewPipeline(cfg, params, tr)

	ex1 := []byte{0, 0, 0, 1}
	sp := newSubmitParams(job.Timestamp)

	result, err := p.Submit(job, ex1, sp, 1.0, 0, time.Now())
	require.NoError(t, err)
	require.True(t, result.MeetsShareTarget)
	require.True(t, result.MeetsChainTarget)
	require.NotNil(t, result.Share)
}

func TestPipelineSubmitRejectsDuplicate(t *testing.T) {
	params := easyParams()
	job := buildTestJob(t, params, false)
	tr := sharechain.New(params)

	cfg := DefaultConfig()
	p := NewPipeline(cfg, params, tr)

	ex1 := []byte{0, 0, 0, 1}
	sp := newSubmitParams(job.Timestamp)

	_, err := p.Submit(job, ex1, sp, 1.0, 0, time.Now())
	require.NoError(t, err)

	_, err = p.Submit(job, ex1, sp, 1.0, 0, time.Now())
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestPipelineSubmitRejectsWrongExtranonceLength(t *testing.T) {
	params := easyParams()
	job := buildTestJob(t, params, false)
	tr := sharechain.New(params)

	cfg := DefaultConfig()
	p := NewPipeline(cfg, params, tr)

	sp := newSubmitParams(job.Timestamp)
	_, err := p.Submit(job, []byte{0, 0}, sp, 1.0, 0, time.Now())
	require.ErrorIs(t, err, ErrMalformedParams)
}

func TestPipelineSubmitRejectsNtimeOutOfRange(t *testing.T) {
	params := easyParams()
	job := buildTestJob(t, params, false)
	tr := sharechain.New(params)

	cfg := DefaultConfig()
	p := NewPipeline(cfg, params, tr)

	ex1 := []byte{0, 0, 0, 1}
	sp := newSubmitParams(job.Timestamp - uint32(cfg.NtimePastTolerance/time.Second) - 1000)

	_, err := p.Submit(job, ex1, sp, 1.0, 0, time.Now())
	require.ErrorIs(t, err, ErrNtimeOutOfRange)
}

func TestPipelineSubmitMeetsParentAndAuxTarget(t *testing.T) {
	params := easyParams()
	job := buildTestJob(t, params, true)
	job.Bits = easyBits
	tr := sharechain.New(params)

	cfg := DefaultConfig()
	p := NewPipeline(cfg, params, tr)

	ex1 := []byte{0, 0, 0, 1}
	sp := newSubmitParams(job.Timestamp)

	result, err := p.Submit(job, ex1, sp, 1.0, 0, time.Now())
	require.NoError(t, err)
	require.True(t, result.MeetsParentTarget)
	require.NotNil(t, result.ParentBlock)
	require.True(t, result.MeetsAuxTarget)
	require.NotNil(t, result.AuxProof)
	require.Equal(t, uint32(7), result.AuxProof.ChainID)
}
