// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package validate implements the share validator (C3): cheap,
// predecessor-free structural verification plus contextual verification
// against a chain-store predecessor, and the retargeting algorithm that
// derives a share's required difficulty bits from its predecessor's.
package validate

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/pplns"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

// Failure kinds (ยง4.3). All but ErrUnknownPredecessor are terminal: the
// share is rejected and must not be relayed or inserted.
var (
	ErrMalformed          = errors.New("validate: malformed share")
	ErrPoWInsufficient    = errors.New("validate: proof-of-work above target")
	ErrBadCoinbase        = errors.New("validate: coinbase does not commit to reference hash")
	ErrBadPayouts         = errors.New("validate: coinbase payouts do not match PPLNS map")
	ErrTimestampWindow    = errors.New("validate: timestamp outside permitted window")
	ErrUnknownPredecessor = errors.New("validate: predecessor not found")
	ErrBadDifficulty      = errors.New("validate: bits do not match retarget result")
	ErrUnsupportedVersion = errors.New("validate: desired_version not accepted on this network")
)

// commitmentTag marks the OP_RETURN-style metadata-commitment output: a
// single push of the 32-byte reference hash, prefixed by OP_RETURN (0x6a)
// and the push-32 opcode (0x20).
var commitmentTag = []byte{0x6a, 0x20}

// ExtractCommitment returns the reference hash embedded in a coinbase's
// metadata-commitment output (the last output, ยง3 invariant 4c), or
// ErrBadCoinbase if no output carries a well-formed commitment.
func ExtractCommitment(coinbase *wire.CoinbaseTx) (chainhash.Hash, error) {
	if len(coinbase.TxOut) == 0 {
		return chainhash.Hash{}, ErrBadCoinbase
	}
	script := coinbase.TxOut[len(coinbase.TxOut)-1].PkScript
	if len(script) != len(commitmentTag)+chainhash.HashSize || !bytes.HasPrefix(script, commitmentTag) {
		return chainhash.Hash{}, ErrBadCoinbase
	}
	var h chainhash.Hash
	copy(h[:], script[len(commitmentTag):])
	return h, nil
}

// EncodeCommitment builds the metadata-commitment script for refHash, the
// inverse of ExtractCommitment. Used by the composer (C5) when assembling a
// coinbase.
func EncodeCommitment(refHash chainhash.Hash) []byte {
	out := make([]byte, 0, len(commitmentTag)+chainhash.HashSize)
	out = append(out, commitmentTag...)
	out = append(out, refHash[:]...)
	return out
}

// hashToBig converts a double-SHA256 share/block hash to a big.Int for
// target comparison, reversing the little-endian digest byte order the way
// the parent chain itself treats header hashes.
func hashToBig(h chainhash.Hash) *big.Int {
	var buf chainhash.Hash
	for i := 0; i < chainhash.HashSize; i++ {
		buf[i] = h[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf[:])
}

// CheapVerify performs every check in ยง4.3 that does not require a
// predecessor: it must pass before a share is relayed to any peer.
func CheapVerify(s *wire.Share, params *chaincfg.Params, now time.Time) error {
	if err := cheapVerify(s, params, now); err != nil {
		logRejected(s.Hash(), err)
		return err
	}
	return nil
}

func cheapVerify(s *wire.Share, params *chaincfg.Params, now time.Time) error {
	target := sharechain.CompactToBig(s.Info.Bits)
	if target.Sign() <= 0 || target.Cmp(params.MaxTarget) > 0 || target.Cmp(params.MinTarget) < 0 {
		return ErrMalformed
	}

	if hashToBig(s.Hash()).Cmp(target) > 0 {
		return ErrPoWInsufficient
	}

	commitment, err := ExtractCommitment(&s.Coinbase)
	if err != nil {
		return ErrBadCoinbase
	}
	if commitment != s.RefHash() {
		return ErrBadCoinbase
	}

	ts := time.Unix(int64(s.Info.Timestamp), 0)
	if ts.After(now.Add(params.MaxFutureBlockTime)) {
		return ErrTimestampWindow
	}

	if !versionAccepted(s.Info.DesiredVersion, params.AcceptedVersions) {
		return ErrUnsupportedVersion
	}
	return nil
}

// logRejected records a terminal validation failure at warning level, the
// severity §7 assigns to protocol violations.
func logRejected(hash chainhash.Hash, err error) {
	log.Warnf("share %s rejected: %v", hash, err)
}

func versionAccepted(v uint16, accepted []uint16) bool {
	for _, a := range accepted {
		if a == v {
			return true
		}
	}
	return false
}

// ContextVerify performs every check in ยง4.3 that requires the chain store:
// PPLNS payout agreement, absheight/far_share_hash consistency, and the
// retargeted difficulty. share_info's abswork field is not compared against
// the predecessor's accumulated work. The predecessor must already be
// indexed in tr.
func ContextVerify(s *wire.Share, tr *sharechain.Tracker, params *chaincfg.Params, donationScript []byte, subsidyPlusFees int64) error {
	if err := contextVerify(s, tr, params, donationScript, subsidyPlusFees); err != nil {
		if err != ErrUnknownPredecessor {
			logRejected(s.Hash(), err)
		}
		return err
	}
	return nil
}

func contextVerify(s *wire.Share, tr *sharechain.Tracker, params *chaincfg.Params, donationScript []byte, subsidyPlusFees int64) error {
	pred, ok := tr.Get(s.Info.PreviousShareHash)
	if !ok {
		return ErrUnknownPredecessor
	}

	if s.Info.AbsHeight != pred.AbsHeight+1 {
		return ErrBadPayouts
	}

	predTime := time.Unix(int64(pred.Share.Info.Timestamp), 0)
	shareTime := time.Unix(int64(s.Info.Timestamp), 0)
	if shareTime.Before(predTime.Add(params.MinPastBlockTime)) {
		return ErrTimestampWindow
	}

	farHash, ok := tr.AncestorAt(s.Info.PreviousShareHash, params.FarShareOffset)
	if !ok {
		return ErrUnknownPredecessor
	}
	if s.Info.FarShareHash != farHash {
		return ErrBadPayouts
	}

	wantBits, err := Retarget(tr, pred, params)
	if err != nil {
		return err
	}
	if s.Info.Bits != wantBits {
		return ErrBadDifficulty
	}

	result, err := pplns.Compute(tr, params, donationScript, s.Info.PreviousShareHash, subsidyPlusFees)
	if err != nil {
		return err
	}
	if !pplns.Equal(result.Parent, coinbasePayouts(&s.Coinbase)) {
		return ErrBadPayouts
	}
	return nil
}

// coinbasePayouts extracts the (script, value) pairs from every coinbase
// output except the trailing metadata-commitment output, in on-the-wire
// order, for comparison against the computed PPLNS map.
func coinbasePayouts(coinbase *wire.CoinbaseTx) []pplns.Payout {
	if len(coinbase.TxOut) == 0 {
		return nil
	}
	outs := coinbase.TxOut[:len(coinbase.TxOut)-1]
	payouts := make([]pplns.Payout, len(outs))
	for i, o := range outs {
		payouts[i] = pplns.Payout{Script: o.PkScript, Amount: o.Value}
	}
	return payouts
}

// Retarget computes the difficulty bits a share descending from pred must
// carry (ยง4.3): the median timestamp delta over the trailing
// TARGET_LOOKBEHIND window times the average target, divided by
// SHARE_PERIOD, clamped to ยฑMaxRetargetStep of the predecessor's target and
// then to [MinTarget, MaxTarget].
func Retarget(tr *sharechain.Tracker, pred *sharechain.Entry, params *chaincfg.Params) (uint32, error) {
	window := tr.GetChain(pred.Hash, int(params.TargetLookbehind)+1)
	if len(window) < 2 {
		return pred.Share.Info.Bits, nil
	}

	deltas := make([]int64, 0, len(window)-1)
	sumTargets := new(big.Int)
	for i := 0; i < len(window)-1; i++ {
		newer, older := window[i], window[i+1]
		deltas = append(deltas, int64(newer.Share.Info.Timestamp)-int64(older.Share.Info.Timestamp))
		sumTargets.Add(sumTargets, sharechain.CompactToBig(newer.Share.Info.Bits))
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	medianDelta := deltas[len(deltas)/2]
	if medianDelta < 1 {
		medianDelta = 1
	}

	avgTarget := new(big.Int).Div(sumTargets, big.NewInt(int64(len(window)-1)))

	newTarget := new(big.Int).Mul(avgTarget, big.NewInt(medianDelta))
	sharePeriodSeconds := int64(params.SharePeriod / time.Second)
	if sharePeriodSeconds < 1 {
		sharePeriodSeconds = 1
	}
	newTarget.Div(newTarget, big.NewInt(sharePeriodSeconds))

	predTarget := sharechain.CompactToBig(pred.Share.Info.Bits)
	maxStepNum, maxStepDen := retargetStepFraction(params.MaxRetargetStep)
	upperBound := new(big.Int).Mul(predTarget, new(big.Int).Add(maxStepDen, maxStepNum))
	upperBound.Div(upperBound, maxStepDen)
	lowerBound := new(big.Int).Mul(predTarget, new(big.Int).Sub(maxStepDen, maxStepNum))
	lowerBound.Div(lowerBound, maxStepDen)

	if newTarget.Cmp(upperBound) > 0 {
		newTarget = upperBound
	}
	if newTarget.Cmp(lowerBound) < 0 {
		newTarget = lowerBound
	}
	if newTarget.Cmp(params.MaxTarget) > 0 {
		newTarget = params.MaxTarget
	}
	if newTarget.Cmp(params.MinTarget) < 0 {
		newTarget = params.MinTarget
	}

	return bigToCompact(newTarget), nil
}

// retargetStepFraction converts a float fraction (e.g. 0.5) to an integer
// numerator/denominator pair so the clamp above stays in integer
// arithmetic, matching the no-floating-point requirement for chain-state
// decisions elsewhere in the spec; the float itself only ever comes from a
// fixed network parameter, never from untrusted input.
func retargetStepFraction(f float64) (num, den *big.Int) {
	const scale = 1 << 16
	return big.NewInt(int64(f * scale)), big.NewInt(scale)
}

// bigToCompact converts a big.Int target to the compact "bits"
// representation, the inverse of sharechain.CompactToBig.
func bigToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}
	bytesLen := uint32(len(target.Bytes()))
	var mantissa uint32
	if bytesLen <= 3 {
		mantissa = uint32(target.Int64()) << (8 * (3 - bytesLen))
	} else {
		shifted := new(big.Int).Rsh(target, uint(8*(bytesLen-3)))
		mantissa = uint32(shifted.Int64())
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		bytesLen++
	}
	return bytesLen<<24 | mantissa
}
