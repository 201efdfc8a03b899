// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package work

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hashMerkleBranches hashes the concatenation of two tree nodes, exactly as
// the parent chain itself does when building its own transaction merkle
// tree.
func hashMerkleBranches(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// merkleLevels builds every level of the transaction tree, leaves first,
// duplicating the last node of a level when its count is odd — the parent
// chain's own merkle tree construction rule.
func merkleLevels(leaves []chainhash.Hash) [][]chainhash.Hash {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][]chainhash.Hash{append([]chainhash.Hash(nil), leaves...)}
	for cur := levels[0]; len(cur) > 1; {
		if len(cur)%2 == 1 {
			cur = append(cur, cur[len(cur)-1])
		}
		next := make([]chainhash.Hash, len(cur)/2)
		for i := range next {
			next[i] = hashMerkleBranches(cur[2*i], cur[2*i+1])
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// MerkleRoot computes the root of the transaction tree over leaves
// (coinbase first), following the parent chain's merkle construction.
func MerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	levels := merkleLevels(leaves)
	if levels == nil {
		return chainhash.Hash{}
	}
	top := levels[len(levels)-1]
	return top[0]
}

// MerklePath returns the sibling hash at each level needed to re-derive the
// root from the leaf at index — the authentication path a share's coinbase
// leaf needs to reconstruct the parent header's merkle root from the
// coinbase transaction alone (ยง3 `merkle_link`, ยง4.5 step 4).
func MerklePath(leaves []chainhash.Hash, index int) []chainhash.Hash {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	levels := merkleLevels(leaves)
	if len(levels) < 2 {
		return nil
	}

	var path []chainhash.Hash
	pos := index
	for _, level := range levels[:len(levels)-1] {
		if pos%2 == 0 {
			sibling := pos + 1
			if sibling == len(level) {
				sibling = pos
			}
			path = append(path, level[sibling])
		} else {
			path = append(path, level[pos-1])
		}
		pos /= 2
	}
	return path
}
