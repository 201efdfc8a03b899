// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pplns implements the PPLNS payout accountant (C4): a pure,
// deterministic function from a chain-store tip to the ordered list of
// coinbase outputs every successor share must reproduce exactly.
package pplns

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
)

// Payout is one (script, value) coinbase output produced by the accountant.
type Payout struct {
	Script []byte
	Amount int64
}

// Result is the full output of a Compute call: the parent-chain payout map
// every successor share's coinbase must reproduce. Aux-chain payouts are not
// part of Result because they need a per-chain subsidy that is only known
// once an aux template exists; callers needing those call ComputeAux
// directly (ยง4.5 step 3).
type Result struct {
	Parent []Payout
}

// weightAccumulator keeps float-free running sums keyed by script, using
// big.Rat-free integer weights (2^256/target values, which already exceed
// 64 bits, so all arithmetic here is big.Int as the spec requires — no
// floating point is used anywhere in this file).
type weightAccumulator struct {
	order   []string // insertion order isn't significant; kept for iteration stability in tests
	weights map[string]*big.Int
	total   *big.Int
}

func newWeightAccumulator() *weightAccumulator {
	return &weightAccumulator{weights: make(map[string]*big.Int), total: new(big.Int)}
}

func (w *weightAccumulator) add(script []byte, weight *big.Int) {
	key := string(script)
	if _, ok := w.weights[key]; !ok {
		w.weights[key] = new(big.Int)
		w.order = append(w.order, key)
	}
	w.weights[key].Add(w.weights[key], weight)
	w.total.Add(w.total, weight)
}

// payouts converts accumulated weights into integer-satoshi payouts summing
// exactly to totalValue, iterating in ascending byte order of the scripts for
// determinism and assigning the floor-rounding residual to the
// highest-weight recipient (ยง4.4).
func (w *weightAccumulator) payouts(totalValue int64) []Payout {
	if w.total.Sign() == 0 || len(w.order) == 0 {
		return nil
	}

	scripts := append([]string(nil), w.order...)
	sort.Strings(scripts)

	out := make([]Payout, len(scripts))
	var assigned int64
	bestIdx, bestWeight := -1, new(big.Int)

	for i, s := range scripts {
		weight := w.weights[s]
		amount := new(big.Int).Mul(big.NewInt(totalValue), weight)
		amount.Div(amount, w.total)
		out[i] = Payout{Script: []byte(s), Amount: amount.Int64()}
		assigned += out[i].Amount

		if weight.Cmp(bestWeight) > 0 {
			bestIdx, bestWeight = i, weight
		}
	}

	residual := totalValue - assigned
	if residual != 0 && bestIdx >= 0 {
		out[bestIdx].Amount += residual
	}
	return out
}

// ShareWeight returns 2^256/(target(bits)+1), the expected-attempts weight
// of a single share at the given compact difficulty.
func ShareWeight(bits uint32) *big.Int {
	target := sharechain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Lsh(big.NewInt(1), 256)
	return new(big.Int).Div(num, new(big.Int).Add(target, big.NewInt(1)))
}

// splitDonation divides a share's weight between its miner payout script
// and the network's fixed donation script, using integer parts-per-65535
// arithmetic (ยง3, ยง4.4).
func splitDonation(weight *big.Int, donationFraction uint16) (minerWeight, donationWeight *big.Int) {
	donationWeight = new(big.Int).Mul(weight, big.NewInt(int64(donationFraction)))
	donationWeight.Div(donationWeight, big.NewInt(65535))
	minerWeight = new(big.Int).Sub(weight, donationWeight)
	return minerWeight, donationWeight
}

// Compute walks backward from tip for up to REAL_CHAIN_LENGTH shares and
// returns the deterministic payout map every successor share's coinbase
// must carry. subsidyPlusFees is the parent-chain subsidy plus fees the
// eventual successor share's coinbase will distribute.
func Compute(tr *sharechain.Tracker, params *chaincfg.Params, donationScript []byte, tip chainhash.Hash, subsidyPlusFees int64) (*Result, error) {
	window := tr.GetChain(tip, int(params.RealChainLengthShares()))

	parentAcc := newWeightAccumulator()

	for _, e := range window {
		if e.Share == nil {
			continue
		}
		weight := ShareWeight(e.Share.Info.Bits)
		minerWeight, donationWeight := splitDonation(weight, e.Share.Info.DonationFraction)

		parentAcc.add(e.Share.Info.PayoutScript, minerWeight)
		if donationWeight.Sign() > 0 && len(donationScript) > 0 {
			parentAcc.add(donationScript, donationWeight)
		}
	}

	return &Result{Parent: parentAcc.payouts(subsidyPlusFees)}, nil
}

// ComputeAux returns the payout list for a single auxiliary chain given its
// subsidy, reusing the same weight walk as Compute. It is split out from
// Compute because the aux subsidy is only known once an aux block template
// exists (ยง4.5 step 3), which may be later than when the parent payout map
// is needed.
func ComputeAux(tr *sharechain.Tracker, params *chaincfg.Params, tip chainhash.Hash, chainID uint32, auxSubsidy int64) ([]Payout, error) {
	window := tr.GetChain(tip, int(params.RealChainLengthShares()))
	acc := newWeightAccumulator()

	for _, e := range window {
		if e.Share == nil {
			continue
		}
		for _, aux := range e.Share.Info.AuxWork {
			if aux.ChainID != chainID {
				continue
			}
			acc.add(aux.Script, ShareWeight(e.Share.Info.Bits))
		}
	}
	return acc.payouts(auxSubsidy), nil
}

// NextSchemaVersion tallies each window share's desired_version field by
// weight and returns the highest accepted version strictly above current
// that carries at least 95% of the window's total weight, or current
// unchanged if none does (§ REDESIGN FLAGS "Dynamic dispatch over share
// schema versions": "a running count of desired_version across the PPLNS
// window... triggers emission of the next variant when ≥95% of weighted
// work signals it"). The result only ever moves forward: callers should
// feed their own previous result back in as current so an activated version
// is never abandoned if support later dips below threshold.
func NextSchemaVersion(tr *sharechain.Tracker, params *chaincfg.Params, tip chainhash.Hash, current uint16, accepted []uint16) uint16 {
	window := tr.GetChain(tip, int(params.RealChainLengthShares()))

	totalWeight := new(big.Int)
	votes := make(map[uint16]*big.Int)
	for _, e := range window {
		if e.Share == nil {
			continue
		}
		weight := ShareWeight(e.Share.Info.Bits)
		totalWeight.Add(totalWeight, weight)

		v := e.Share.Info.DesiredVersion
		if votes[v] == nil {
			votes[v] = new(big.Int)
		}
		votes[v].Add(votes[v], weight)
	}
	if totalWeight.Sign() == 0 {
		return current
	}

	best := current
	for _, v := range accepted {
		if v <= best {
			continue
		}
		weight, ok := votes[v]
		if !ok {
			continue
		}
		// weight/totalWeight >= 0.95 without floating point.
		lhs := new(big.Int).Mul(weight, big.NewInt(100))
		rhs := new(big.Int).Mul(totalWeight, big.NewInt(95))
		if lhs.Cmp(rhs) >= 0 {
			best = v
		}
	}
	return best
}

// equalScripts reports whether two payout scripts are identical; Equal uses
// it to compare a coinbase's outputs against a computed map.
func equalScripts(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Equal reports whether two payout lists are identical in content and
// order — the exact comparison the share validator performs against a
// coinbase's actual outputs (ยง4.3).
func Equal(a, b []Payout) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Amount != b[i].Amount || !equalScripts(a[i].Script, b[i].Script) {
			return false
		}
	}
	return true
}
