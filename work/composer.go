// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package work implements the work composer (C5): turning a parent-chain
// block template (and, optionally, a merged-mining auxiliary template) into
// a MiningJob the stratum server can hand to miners, and a skeleton share
// the submission pipeline completes once a miner finds a qualifying nonce.
package work

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/p2pool-go/p2pool/auxpow"
	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/pplns"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/validate"
	"github.com/p2pool-go/p2pool/wire"
)

// ErrNoBestTip is returned by Compose when the share chain has no tip to
// build on top of (the node has not yet synced a genesis share).
var ErrNoBestTip = errors.New("work: share chain has no best tip")

// coinbaseTag is the arbitrary-text tag stamped into every coinbase scriptSig
// alongside the BIP34 height push, identifying shares produced by this
// software the way the teacher's mining subsystem tags its own coinbases.
const coinbaseTag = "/p2pool-go/"

// BlockTemplate is the subset of a parent-chain getblocktemplate response
// the composer needs.
type BlockTemplate struct {
	PrevHash        chainhash.Hash
	Height          uint64
	Version         int32
	Bits            uint32
	CurTime         int64
	SubsidyPlusFees int64
	Transactions    []*btcwire.MsgTx // non-coinbase transactions, in order
}

// AuxTemplate is the subset of a merged-mining auxiliary chain's template
// the composer needs to embed a commitment into the parent coinbase (ยง4.5
// step 3).
type AuxTemplate struct {
	ChainID       uint32
	Subsidy       int64
	Bits          uint32
	PrevHash      chainhash.Hash
	Version       int32
	CurTime       int64
	AuxBlockHash  chainhash.Hash
	CommitmentTag []byte

	// Transactions holds the aux template's non-coinbase transactions,
	// populated only in trustless mode so Compose can build a complete aux
	// block around a pool-built coinbase (ยง6 "Aux-chain RPC").
	Transactions []*btcwire.MsgTx

	// Trustless reports whether this template came from
	// getblocktemplate(capabilities:["auxpow"]) rather than the legacy
	// single-recipient getauxblock RPC. Trustless mode means this node
	// builds and PPLNS-distributes the aux coinbase itself instead of
	// committing to a hash the aux node already fixed for a single address.
	Trustless bool
}

// Job is the package assembled for the mining RPC server: everything it
// needs to emit `mining.notify` and, later, validate a `mining.submit`
// against the same template without recomputing it.
type Job struct {
	ID             string
	PrevHash       chainhash.Hash
	CoinbasePrefix []byte
	CoinbaseSuffix []byte
	MerklePath     []chainhash.Hash
	Version        int32

	// Bits is the parent chain's own consensus target (ยง4.6 mining.notify
	// `bits`): what the header must satisfy for a fully-solved block to be
	// valid on the parent chain.
	Bits uint32

	// ShareBits is this share's own required target (ยง4.3's retargeted
	// difficulty), far easier than Bits, and what a submitted share's hash
	// must meet for C2/C3 to accept it into the side chain.
	ShareBits uint32

	Timestamp uint32
	CleanJobs bool
	CreatedAt time.Time

	// Fields needed to reassemble and verify a full share once a miner
	// submits a qualifying nonce (C7).
	SchemaVersion     uint16
	AbsHeight         uint64
	PreviousShareHash chainhash.Hash
	FarShareHash      chainhash.Hash
	PayoutScript      []byte
	DonationFraction  uint16
	DesiredVersion    uint16
	RefHash           chainhash.Hash
	Extranonce1Len    int
	Extranonce2Len    int
	OtherTxHashes     []chainhash.Hash
	AuxWork           []wire.AuxWork

	// AuxTarget, AuxChainID and AuxBlockHash are set only when a
	// merged-mining template was supplied to Compose; the submission
	// pipeline checks a solution's hash against AuxTarget to decide whether
	// to assemble an aux block (§4.7 "aux-chain target"). AuxBlockHash is the
	// commitment actually embedded in the parent coinbase: the aux node's
	// own hash in legacy mode, or the merkle root over this job's
	// PPLNS-built aux coinbase and AuxTransactions in trustless mode.
	AuxTarget    *big.Int
	AuxChainID   uint32
	AuxBlockHash chainhash.Hash

	// AuxTrustless and the fields below it are set only when Compose built
	// a genuine multi-output aux coinbase itself; the submission pipeline
	// uses them to assemble a complete aux block for submitblock instead of
	// the legacy single-recipient auxpow.Proof encoding (§6 "Aux-chain
	// RPC").
	AuxTrustless    bool
	AuxVersion      int32
	AuxPrevHash     chainhash.Hash
	AuxTimestamp    uint32
	AuxBits         uint32
	AuxCoinbase     *btcwire.MsgTx
	AuxTransactions []*btcwire.MsgTx

	// Transactions holds the template's non-coinbase transactions in
	// template order, so the submission pipeline can assemble a complete
	// parent block (coinbase + these) once a parent-target solution
	// arrives (ยง4.7 "assemble the full parent block").
	Transactions []*btcwire.MsgTx
}

// buildCoinbaseScriptSig returns the scriptSig prefix before the
// extranonce placeholder: a BIP34 height push followed by the software tag.
func buildCoinbaseScriptSig(height uint64) []byte {
	heightBytes := serializeBIP34Height(height)
	sig := make([]byte, 0, len(heightBytes)+1+len(coinbaseTag))
	sig = append(sig, byte(len(heightBytes)))
	sig = append(sig, heightBytes...)
	sig = append(sig, []byte(coinbaseTag)...)
	return sig
}

// serializeBIP34Height encodes height the way BIP34 requires: the smallest
// little-endian byte string representing it, high bit of the last byte
// clear (an extra zero byte is appended if needed to keep it unsigned).
func serializeBIP34Height(height uint64) []byte {
	if height == 0 {
		return []byte{0x00}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], height)
	n := 8
	for n > 1 && buf[n-1] == 0 {
		n--
	}
	if buf[n-1]&0x80 != 0 {
		n++
	}
	return buf[:n]
}

// Compose builds a MiningJob from a fresh parent-chain template, reserving
// ex2Len bytes in the coinbase scriptSig for the miner-mutated extranonce2
// (ex1 has already been assigned per-connection by the stratum server and is
// folded into CoinbasePrefix length only, not its content, since it differs
// per connection; the caller appends ex1||ex2 between prefix and suffix).
func Compose(tr *sharechain.Tracker, params *chaincfg.Params, donationScript []byte, tmpl *BlockTemplate, aux *AuxTemplate, ex1Len, ex2Len int, minerPayoutScript []byte, minerAuxPayoutScript []byte, donationFraction uint16, desiredVersion, schemaVersion uint16, cleanJobs bool) (*Job, error) {
	tip, ok := tr.BestTip()
	if !ok {
		return nil, ErrNoBestTip
	}
	pred, _ := tr.Get(tip)

	absHeight := uint64(0)
	if pred != nil {
		absHeight = pred.AbsHeight + 1
	}
	farHash, _ := tr.AncestorAt(tip, params.FarShareOffset)

	shareBits, err := validate.Retarget(tr, pred, params)
	if err != nil {
		return nil, err
	}

	// The coinbase this job builds pays out the PPLNS map computed over
	// the *existing* chain (the window ending at tip); the prospective
	// share's own recipient only affects future shares' windows once this
	// share is itself adopted.
	result, err := pplns.Compute(tr, params, donationScript, tip, tmpl.SubsidyPlusFees)
	if err != nil {
		return nil, err
	}

	var auxWork []wire.AuxWork
	var auxTarget *big.Int
	var auxCommitHash chainhash.Hash
	var auxCoinbase *btcwire.MsgTx
	if aux != nil {
		auxWork = []wire.AuxWork{{ChainID: aux.ChainID, Script: minerAuxPayoutScript}}
		auxTarget = sharechain.CompactToBig(aux.Bits)
		auxCommitHash = aux.AuxBlockHash

		if aux.Trustless {
			auxPayouts, err := pplns.ComputeAux(tr, params, tip, aux.ChainID, aux.Subsidy)
			if err != nil {
				return nil, err
			}
			if len(auxPayouts) == 0 {
				// No window share has claimed this aux chain yet; the
				// entire subsidy falls to this job's own miner until one
				// does.
				auxPayouts = []pplns.Payout{{Script: minerAuxPayoutScript, Amount: aux.Subsidy}}
			}
			auxCoinbase = buildAuxCoinbase(tmpl.Height, auxPayouts)
			// The aux block's merkle root doubles as the parent coinbase's
			// merged-mining commitment: once the aux node re-derives the
			// same root from the submitted block's own transactions, the
			// commitment is self-verifying without a separate branch proof.
			auxCommitHash = MerkleRoot(auxMerkleLeaves(auxCoinbase, aux.Transactions))
		}
	}

	otherHashes := make([]chainhash.Hash, len(tmpl.Transactions))
	for i, tx := range tmpl.Transactions {
		otherHashes[i] = tx.TxHash()
	}

	info := wire.ShareInfo{
		PreviousShareHash: tip,
		FarShareHash:      farHash,
		Bits:              shareBits,
		Timestamp:         uint32(tmpl.CurTime),
		AbsHeight:         absHeight,
		PayoutScript:      minerPayoutScript,
		NewTransactions:   otherHashes,
		DesiredVersion:    desiredVersion,
		DonationFraction:  donationFraction,
		AuxWork:           auxWork,
	}
	refHash := info.RefHash(schemaVersion)

	scriptSigPrefix := buildCoinbaseScriptSig(tmpl.Height)
	coinbasePrefix, coinbaseSuffix := buildCoinbaseHalves(scriptSigPrefix, ex1Len, ex2Len, result.Parent, refHash, aux, auxCommitHash)

	leaves := append([]chainhash.Hash{{}}, otherHashes...) // placeholder at index 0 for the coinbase
	path := MerklePath(leaves, 0)

	job := &Job{
		ID:                jobID(tip, tmpl.CurTime),
		PrevHash:          tmpl.PrevHash,
		CoinbasePrefix:    coinbasePrefix,
		CoinbaseSuffix:    coinbaseSuffix,
		MerklePath:        path,
		Version:           tmpl.Version,
		Bits:              tmpl.Bits,
		ShareBits:         shareBits,
		Timestamp:         uint32(tmpl.CurTime),
		CleanJobs:         cleanJobs,
		CreatedAt:         time.Now(),
		SchemaVersion:     schemaVersion,
		AbsHeight:         absHeight,
		PreviousShareHash: tip,
		FarShareHash:      farHash,
		PayoutScript:      minerPayoutScript,
		DonationFraction:  donationFraction,
		DesiredVersion:    desiredVersion,
		RefHash:           refHash,
		Extranonce1Len:    ex1Len,
		Extranonce2Len:    ex2Len,
		OtherTxHashes:     otherHashes,
		AuxWork:           auxWork,
		Transactions:      tmpl.Transactions,
	}
	if aux != nil {
		job.AuxTarget = auxTarget
		job.AuxChainID = aux.ChainID
		job.AuxBlockHash = auxCommitHash
		job.AuxTrustless = aux.Trustless
		if aux.Trustless {
			job.AuxVersion = aux.Version
			job.AuxPrevHash = aux.PrevHash
			job.AuxTimestamp = uint32(aux.CurTime)
			job.AuxBits = aux.Bits
			job.AuxCoinbase = auxCoinbase
			job.AuxTransactions = aux.Transactions
		}
	}
	return job, nil
}

// buildAuxCoinbase builds the pool's own aux-chain coinbase transaction
// around a PPLNS payout list (ยง4.5 step 3, trustless mode): unlike the
// parent coinbase, it needs no extranonce placeholder since nothing a miner
// submits ever mutates it — it is fully determined at compose time.
func buildAuxCoinbase(height uint64, payouts []pplns.Payout) *btcwire.MsgTx {
	tx := btcwire.NewMsgTx(1)
	tx.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: 0xffffffff},
		SignatureScript:  buildCoinbaseScriptSig(height),
		Sequence:         0xffffffff,
	})
	for _, p := range payouts {
		tx.AddTxOut(&btcwire.TxOut{Value: p.Amount, PkScript: p.Script})
	}
	return tx
}

// auxMerkleLeaves orders the aux coinbase ahead of the aux template's other
// transactions, the same coinbase-first convention MerkleRoot/MerklePath
// already use for the parent block.
func auxMerkleLeaves(coinbase *btcwire.MsgTx, txs []*btcwire.MsgTx) []chainhash.Hash {
	leaves := make([]chainhash.Hash, 0, 1+len(txs))
	leaves = append(leaves, coinbase.TxHash())
	for _, tx := range txs {
		leaves = append(leaves, tx.TxHash())
	}
	return leaves
}

// buildCoinbaseHalves assembles the coinbase transaction's scriptSig around
// the extranonce placeholder and its full output list, then splits the
// serialized transaction at the extranonce boundary so the stratum layer can
// splice in a connection's actual extranonce1/extranonce2 bytes without
// reserializing the transaction.
func buildCoinbaseHalves(scriptSigPrefix []byte, ex1Len, ex2Len int, payouts []pplns.Payout, refHash chainhash.Hash, aux *AuxTemplate, auxCommitHash chainhash.Hash) (prefix, suffix []byte) {
	tx := btcwire.NewMsgTx(1)
	placeholder := make([]byte, ex1Len+ex2Len)
	scriptSig := append(append([]byte(nil), scriptSigPrefix...), placeholder...)

	tx.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: 0xffffffff},
		SignatureScript:  scriptSig,
		Sequence:         0xffffffff,
	})
	for _, p := range payouts {
		tx.AddTxOut(&btcwire.TxOut{Value: p.Amount, PkScript: p.Script})
	}
	if aux != nil {
		tx.AddTxOut(&btcwire.TxOut{Value: 0, PkScript: auxpowCommitmentScript(aux.CommitmentTag, auxCommitHash)})
	}
	tx.AddTxOut(&btcwire.TxOut{Value: 0, PkScript: validate.EncodeCommitment(refHash)})

	var out bytes.Buffer
	_ = tx.Serialize(&out)
	buf := out.Bytes()

	idx := indexOfPlaceholder(buf, scriptSigPrefix, len(placeholder))
	return buf[:idx], buf[idx+len(placeholder):]
}

// auxpowCommitmentScript embeds the auxiliary chain's merged-mining tag
// using the same encoding the auxpow package's Validator looks for, so a
// parent block produced here verifies against auxpow.Verify unchanged.
// commitHash is the aux node's own block hash in legacy mode, or the
// pool-built aux coinbase/transaction merkle root in trustless mode.
func auxpowCommitmentScript(tag []byte, commitHash chainhash.Hash) []byte {
	if len(tag) == 0 {
		tag = auxpow.DefaultCommitmentTag
	}
	return auxpow.EncodeCommitment(tag, commitHash)
}

func indexOfPlaceholder(buf, scriptSigPrefix []byte, placeholderLen int) int {
	// The scriptSig is the only variable-length field before the
	// extranonce placeholder in a single-input, no-witness coinbase, so
	// the placeholder always begins right after scriptSigPrefix's last
	// occurrence preceded by its length-prefix varint; since we built the
	// transaction ourselves we know the prefix bytes appear exactly once.
	for i := 0; i+len(scriptSigPrefix) <= len(buf); i++ {
		if bytesEqual(buf[i:i+len(scriptSigPrefix)], scriptSigPrefix) {
			return i + len(scriptSigPrefix)
		}
	}
	return len(buf)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func jobID(tip chainhash.Hash, curTime int64) string {
	var buf [12]byte
	copy(buf[:8], tip[:8])
	binary.LittleEndian.PutUint32(buf[8:], uint32(curTime))
	return hexEncode(buf[:])
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
