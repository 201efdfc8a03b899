// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"time"

	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/validate"
	"github.com/p2pool-go/p2pool/wire"
)

// shareSink implements stratum.ShareSink: it takes a share this node itself
// just mined, runs it through the same contextual verification and tracker
// insertion a peer-relayed share gets, and announces it to the network
// (§4.7 step 6).
type shareSink struct {
	n *node
}

func (s *shareSink) AcceptLocalShare(raw interface{}) error {
	share, ok := raw.(*wire.Share)
	if !ok {
		return errors.New("p2pool: share sink received unexpected type")
	}

	now := time.Now()
	subsidy := coinbaseTotal(&share.Coinbase)
	ctxErr := validate.ContextVerify(share, s.n.tracker, s.n.params, s.n.donationScript, subsidy)
	if ctxErr != nil && !errors.Is(ctxErr, validate.ErrUnknownPredecessor) {
		return ctxErr
	}

	encoded, err := share.Encode()
	if err != nil {
		return err
	}

	entry := &sharechain.Entry{
		Hash:        share.Hash(),
		Predecessor: share.Info.PreviousShareHash,
		AbsHeight:   share.Info.AbsHeight,
		Share:       share,
		Raw:         encoded,
		Verified:    ctxErr == nil,
		InsertedAt:  now,
	}

	var insertErr error
	if _, has := s.n.tracker.Get(entry.Predecessor); !has && s.n.tracker.Len() == 0 {
		insertErr = s.n.tracker.InsertGenesis(entry)
	} else {
		insertErr = s.n.tracker.Insert(entry)
	}
	if insertErr != nil {
		return insertErr
	}

	s.n.auxValidator.NoteBlock(uint32(share.Info.AbsHeight), len(share.Info.AuxWork) > 0)
	s.n.peers.AnnounceShare(encoded)
	return nil
}

// coinbaseTotal sums every payout output's value (every output but the
// trailing zero-value metadata commitment), which equals subsidy+fees by
// the share schema's coinbase-structure invariant.
func coinbaseTotal(coinbase *wire.CoinbaseTx) int64 {
	if len(coinbase.TxOut) == 0 {
		return 0
	}
	var total int64
	for _, o := range coinbase.TxOut[:len(coinbase.TxOut)-1] {
		total += o.Value
	}
	return total
}
