// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/p2pool-go/p2pool/auxpow"
	"github.com/p2pool-go/p2pool/stratum"
	"github.com/p2pool-go/p2pool/work"
)

// ErrAuxDisabled is returned by Source's aux-facing methods when no
// AuxClient was configured.
var ErrAuxDisabled = errors.New("rpcclient: merged mining not configured")

// Source binds a required parent-chain client and an optional aux-chain
// client into the single stratum.TemplateSource and stratum.BlockSink the
// mining RPC server and job manager need, so package stratum stays free of
// any direct RPC-transport dependency (§4.5, §4.7).
type Source struct {
	Parent *ParentClient
	Aux    *AuxClient
}

var (
	_ stratum.TemplateSource = (*Source)(nil)
	_ stratum.BlockSink      = (*Source)(nil)
)

// FetchBlockTemplate implements stratum.TemplateSource.
func (s *Source) FetchBlockTemplate(ctx context.Context) (*work.BlockTemplate, error) {
	return s.Parent.FetchBlockTemplate(ctx)
}

// FetchAuxTemplate implements stratum.TemplateSource. It reports ok=false,
// nil error when no aux client is configured, matching JobManager.Refresh's
// expectation that an inactive aux chain simply contributes no work.
func (s *Source) FetchAuxTemplate(ctx context.Context) (*work.AuxTemplate, bool, error) {
	if s.Aux == nil {
		return nil, false, nil
	}
	return s.Aux.FetchAuxTemplate(ctx)
}

// SubmitParentBlock implements stratum.BlockSink (§4.7 "assemble the full
// parent block and submit to the parent node").
func (s *Source) SubmitParentBlock(ctx context.Context, result *stratum.SubmitResult) error {
	if result.ParentBlock == nil {
		return nil
	}
	return s.Parent.SubmitParentBlock(ctx, result.ParentBlock)
}

// SubmitAuxBlock implements stratum.BlockSink (§4.7 "assemble the aux
// block... submit to the aux node's submit-block RPC"). In trustless mode
// this assembles a genuine, independently-valid aux block around the pool's
// own PPLNS-distributed coinbase; in legacy mode it keeps committing to the
// single hash the aux node itself fixed.
func (s *Source) SubmitAuxBlock(ctx context.Context, result *stratum.SubmitResult) error {
	if result.AuxProof == nil {
		return nil
	}
	if s.Aux == nil {
		return ErrAuxDisabled
	}

	if result.AuxProof.Trustless {
		blockHex := encodeTrustlessAuxBlock(
			result.AuxProof.AuxVersion,
			result.AuxProof.AuxPrevHash,
			result.AuxProof.AuxTimestamp,
			result.AuxProof.AuxBits,
			result.AuxProof.AuxBlockHash,
			result.AuxProof.AuxCoinbase,
			result.AuxProof.AuxTransactions,
			result.AuxProof.ParentHeader,
			result.AuxProof.ParentCoinbase,
			result.AuxProof.MerkleBranch,
		)
		return s.Aux.SubmitTrustlessAuxBlock(ctx, blockHex)
	}

	proof := &auxpow.Proof{
		ParentCoinbase: result.AuxProof.ParentCoinbase,
		ParentHeader:   result.AuxProof.ParentHeader,
		MerkleBranch:   result.AuxProof.MerkleBranch,
		AuxBlockHash:   result.AuxProof.AuxBlockHash,
	}
	auxPowHex := encodeAuxPow(proof)
	return s.Aux.SubmitAuxBlock(ctx, result.AuxProof.AuxBlockHash.String(), auxPowHex)
}

// encodeTrustlessAuxBlock serializes a complete aux-chain block — header,
// the pool-built coinbase, then the aux template's other transactions —
// followed by the merged-mining proof (parent coinbase, merkle branch,
// parent header) tying its acceptance to the parent chain's proof-of-work,
// the same parent-side proof auxpow.Validator.Verify checks (§4.7,
// trustless mode).
func encodeTrustlessAuxBlock(version int32, prevHash chainhash.Hash, timestamp, bits uint32, merkleRoot chainhash.Hash, coinbase *btcwire.MsgTx, txs []*btcwire.MsgTx, parentHeader *btcwire.BlockHeader, parentCoinbase *btcwire.MsgTx, merkleBranch []chainhash.Hash) string {
	block := &btcwire.MsgBlock{Header: btcwire.BlockHeader{
		Version:    version,
		PrevBlock:  prevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(int64(timestamp), 0),
		Bits:       bits,
	}}
	if coinbase != nil {
		block.AddTransaction(coinbase)
	}
	for _, tx := range txs {
		block.AddTransaction(tx)
	}

	var buf bytes.Buffer
	_ = block.Serialize(&buf)

	proof := &auxpow.Proof{
		ParentCoinbase: parentCoinbase,
		ParentHeader:   parentHeader,
		MerkleBranch:   merkleBranch,
		AuxBlockHash:   merkleRoot,
	}
	if raw, err := hex.DecodeString(encodeAuxPow(proof)); err == nil {
		buf.Write(raw)
	}

	return hex.EncodeToString(buf.Bytes())
}

// encodeAuxPow serializes an auxpow.Proof into the hex blob the aux node's
// submit RPC expects: parent coinbase, merkle branch, parent header, in
// that conventional auxpow order.
func encodeAuxPow(proof *auxpow.Proof) string {
	var buf []byte

	var coinbaseBuf []byte
	if proof.ParentCoinbase != nil {
		coinbaseBuf = serializeTx(proof.ParentCoinbase)
	}
	buf = append(buf, coinbaseBuf...)

	for _, h := range proof.MerkleBranch {
		buf = append(buf, h[:]...)
	}

	if proof.ParentHeader != nil {
		buf = append(buf, serializeHeader(proof.ParentHeader)...)
	}

	return hex.EncodeToString(buf)
}

func serializeTx(tx *btcwire.MsgTx) []byte {
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}

func serializeHeader(h *btcwire.BlockHeader) []byte {
	var buf bytes.Buffer
	_ = h.Serialize(&buf)
	return buf.Bytes()
}
