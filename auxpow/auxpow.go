// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package auxpow implements merged-mining verification: proving that a
// parent-chain block's coinbase commits to an auxiliary chain's block hash,
// so a single proof-of-work solves both chains at once (§4.5 step 3, §4.7
// aux-chain target, GLOSSARY "Merged mining / auxpow").
package auxpow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/p2pool-go/p2pool/chaincfg"
)

// Config controls whether merged mining is offered for one auxiliary chain
// and, optionally, the hashrate-ratio sunset policy under which the
// operator stops offering it once native (direct) mining dominates.
type Config struct {
	Enabled bool

	// ChainID identifies the auxiliary chain in the merged-mining tag and
	// in wire.AuxWork/ShareInfo.AuxWork entries.
	ChainID uint32

	// CommitmentTag is the fixed byte sequence preceding the committed
	// aux block hash in the parent coinbase's scriptSig.
	CommitmentTag []byte

	// SunsetHashrateThreshold, when non-zero, is the percentage (0-100) of
	// noted blocks that were native (not aux) at or above which the sunset
	// notice starts: an operator policy knob, not a consensus rule
	// (§ SUPPLEMENTED FEATURES). Zero disables the sunset policy.
	SunsetHashrateThreshold uint64
	MonitoringBlocks        uint32
	SunsetNoticeBlocks      uint32
}

// DefaultCommitmentTag is the merged-mining tag used when a Config doesn't
// specify its own.
var DefaultCommitmentTag = []byte{0xfa, 0xbe, 'm', 'm'}

// Proof is everything needed to verify that a parent-chain block commits to
// auxBlockHash: the parent coinbase and header, and the merkle branch
// proving the coinbase's inclusion in the parent block.
type Proof struct {
	ParentCoinbase *btcwire.MsgTx
	ParentHeader   *btcwire.BlockHeader
	MerkleBranch   []chainhash.Hash
	AuxBlockHash   chainhash.Hash
}

var (
	ErrDisabled           = errors.New("auxpow: merged mining disabled for this chain")
	ErrSunset             = errors.New("auxpow: merged mining has been sunset")
	ErrNoCommitment       = errors.New("auxpow: commitment tag not found in parent coinbase")
	ErrCommitmentMismatch = errors.New("auxpow: committed hash does not match aux block hash")
	ErrMerkleMismatch     = errors.New("auxpow: merkle branch does not reach parent block's merkle root")
	ErrInsufficientWork   = errors.New("auxpow: parent block work is below the aux chain's target")
)

// Validator verifies merged-mining proofs for one auxiliary chain and, if
// configured, tracks the sunset policy.
type Validator struct {
	config *Config
	params *chaincfg.Params

	nativeHashrate     uint64
	sunsetActivated    bool
	sunsetNoticeHeight uint32
	totalAuxBlocks     uint64
	totalNativeBlocks  uint64
	lastCheckHeight    uint32
}

// NewValidator creates a Validator for one auxiliary chain.
func NewValidator(config *Config, params *chaincfg.Params) *Validator {
	if len(config.CommitmentTag) == 0 {
		config.CommitmentTag = DefaultCommitmentTag
	}
	return &Validator{config: config, params: params}
}

// Verify checks a merged-mining proof: the commitment in the parent
// coinbase, the coinbase's merkle inclusion in the parent block, and that
// the work implied by the parent header's compact bits meets auxTarget. The
// parent header's own hash is not compared against any target.
func (v *Validator) Verify(proof *Proof, auxTarget *big.Int) error {
	if v.sunsetActivated {
		return ErrSunset
	}
	if !v.config.Enabled {
		return ErrDisabled
	}

	if err := sanityCheckHeader(proof.ParentHeader); err != nil {
		return err
	}
	if err := v.verifyCommitment(proof); err != nil {
		return err
	}
	if err := v.verifyMerkleBranch(proof); err != nil {
		return err
	}
	if err := v.verifyWork(proof.ParentHeader, auxTarget); err != nil {
		return err
	}

	v.totalAuxBlocks++
	return nil
}

func (v *Validator) verifyCommitment(proof *Proof) error {
	if proof.ParentCoinbase == nil || len(proof.ParentCoinbase.TxIn) == 0 {
		return ErrNoCommitment
	}
	script := proof.ParentCoinbase.TxIn[0].SignatureScript

	idx := bytes.Index(script, v.config.CommitmentTag)
	if idx == -1 {
		return ErrNoCommitment
	}
	start := idx + len(v.config.CommitmentTag)
	if len(script) < start+chainhash.HashSize {
		return ErrNoCommitment
	}

	if !bytes.Equal(script[start:start+chainhash.HashSize], proof.AuxBlockHash[:]) {
		return ErrCommitmentMismatch
	}
	return nil
}

func (v *Validator) verifyMerkleBranch(proof *Proof) error {
	hash := proof.ParentCoinbase.TxHash()
	for _, sibling := range proof.MerkleBranch {
		var buf [chainhash.HashSize * 2]byte
		copy(buf[:chainhash.HashSize], hash[:])
		copy(buf[chainhash.HashSize:], sibling[:])
		hash = chainhash.DoubleHashH(buf[:])
	}
	if hash != proof.ParentHeader.MerkleRoot {
		return ErrMerkleMismatch
	}
	return nil
}

func (v *Validator) verifyWork(parentHeader *btcwire.BlockHeader, auxTarget *big.Int) error {
	parentWork := WorkFromBits(parentHeader.Bits)
	auxWork := new(big.Int)
	if auxTarget.Sign() > 0 {
		auxWork.Lsh(big.NewInt(1), 256)
		auxWork.Div(auxWork, new(big.Int).Add(auxTarget, big.NewInt(1)))
	}
	if parentWork.Cmp(auxWork) < 0 {
		return ErrInsufficientWork
	}
	return nil
}

// WorkFromBits returns 2^256/(target(bits)+1).
func WorkFromBits(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	work := new(big.Int).Lsh(big.NewInt(1), 256)
	return work.Div(work, new(big.Int).Add(target, big.NewInt(1)))
}

// CompactToBig converts the compact "bits" difficulty representation to a
// big.Int target.
func CompactToBig(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint8(bits >> 24)
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		return big.NewInt(int64(mantissa))
	}
	result := big.NewInt(int64(mantissa))
	result.Lsh(result, uint(8*(exponent-3)))
	return result
}

// EncodeCommitment builds the scriptSig fragment embedding auxBlockHash
// under tag, the inverse of the lookup verifyCommitment performs.
func EncodeCommitment(tag []byte, auxBlockHash chainhash.Hash) []byte {
	out := make([]byte, 0, len(tag)+chainhash.HashSize)
	out = append(out, tag...)
	out = append(out, auxBlockHash[:]...)
	return out
}

// NoteBlock updates the native/aux block tally the sunset policy uses, and
// evaluates the policy every MonitoringBlocks.
func (v *Validator) NoteBlock(height uint32, wasAux bool) {
	if !wasAux {
		v.totalNativeBlocks++
	}
	if v.config.MonitoringBlocks == 0 || height < v.lastCheckHeight+v.config.MonitoringBlocks {
		return
	}
	v.lastCheckHeight = height
	v.assessSunset(height)
}

func (v *Validator) assessSunset(height uint32) {
	if v.sunsetActivated || v.config.SunsetHashrateThreshold == 0 {
		return
	}
	total := v.totalAuxBlocks + v.totalNativeBlocks
	if total == 0 {
		return
	}
	nativeRatio := float64(v.totalNativeBlocks) / float64(total)
	v.nativeHashrate = uint64(nativeRatio * 100)

	if v.nativeHashrate >= v.config.SunsetHashrateThreshold && v.sunsetNoticeHeight == 0 {
		v.sunsetNoticeHeight = height + v.config.SunsetNoticeBlocks
	}
	if v.sunsetNoticeHeight > 0 && height >= v.sunsetNoticeHeight {
		v.sunsetActivated = true
		v.config.Enabled = false
		log.Infof("merged mining sunset activated at height %d (native hashrate %d%%)", height, v.nativeHashrate)
	}
}

// SunsetStatus reports whether merged mining has been retired, and the
// notice height if a sunset is pending.
func (v *Validator) SunsetStatus() (activated bool, noticeHeight uint32) {
	return v.sunsetActivated, v.sunsetNoticeHeight
}

// minParentTimestamp is a sanity floor for a parent header's timestamp,
// rejecting obviously corrupt proofs without hardcoding any real chain's
// genesis date.
var minParentTimestamp = time.Date(2009, 1, 3, 0, 0, 0, 0, time.UTC)

func sanityCheckHeader(h *btcwire.BlockHeader) error {
	if h == nil {
		return fmt.Errorf("auxpow: missing parent header")
	}
	if h.Timestamp.Before(minParentTimestamp) {
		return fmt.Errorf("auxpow: parent header timestamp implausibly early")
	}
	return nil
}
