// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package work

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestMerklePathReconstructsRoot(t *testing.T) {
	leaves := []chainhash.Hash{{0x01}, {0x02}, {0x03}, {0x04}, {0x05}}
	root := MerkleRoot(leaves)

	for i := range leaves {
		path := MerklePath(leaves, i)
		got := leaves[i]
		idx := i
		for _, sibling := range path {
			if idx%2 == 0 {
				got = hashMerkleBranches(got, sibling)
			} else {
				got = hashMerkleBranches(sibling, got)
			}
			idx /= 2
		}
		require.Equal(t, root, got, "leaf %d", i)
	}
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	leaves := []chainhash.Hash{{0xaa}}
	require.Equal(t, leaves[0], MerkleRoot(leaves))
	require.Nil(t, MerklePath(leaves, 0))
}
