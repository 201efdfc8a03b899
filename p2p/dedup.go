// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
)

// seenSet bounds the recent-transactions / recent-shares dedup tables
// (ยง4.8 transaction gossip: "peers maintain a recent-transactions set") on
// a fixed-capacity LRU instead of an unbounded map, the same structure the
// parent-chain's own mempool uses for inventory dedup.
type seenSet struct {
	cache *lru.Cache[chainhash.Hash]
}

func newSeenSet(limit uint) *seenSet {
	return &seenSet{cache: lru.NewCache[chainhash.Hash](limit)}
}

func (s *seenSet) has(h chainhash.Hash) bool {
	return s.cache.Contains(h)
}

func (s *seenSet) add(h chainhash.Hash) {
	s.cache.Add(h)
}
