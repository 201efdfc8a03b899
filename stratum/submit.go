// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/validate"
	"github.com/p2pool-go/p2pool/wire"
	"github.com/p2pool-go/p2pool/work"
)

// Errors returned by the submission pipeline (ยง4.7). The server answers
// ErrDuplicate and a ParseSubmitParams failure with a JSON-RPC error
// carrying the error text; every other pipeline error gets a false result.
var (
	ErrStaleJob        = errors.New("stale job")
	ErrDuplicate       = errors.New("duplicate")
	ErrMalformedParams = errors.New("malformed submit parameters")
	ErrNtimeOutOfRange = errors.New("ntime out of range")
	ErrBelowTarget     = errors.New("share above target")
)

// Authorization is the result of parsing a mining.authorize username: the
// payout address(es) and optional per-connection overrides (ยง4.6).
type Authorization struct {
	PayoutScript    []byte
	AuxPayoutScript []byte
	Worker          string
	PseudoshareDiff float64 // 0 if not specified
	ShareDiff       float64 // 0 if not specified
}

// ParseUsername parses "payout[,aux_payout][.worker][+pseudoshare_diff][/share_diff]"
// and resolves the payout address(es) to scripts for params's network.
func ParseUsername(username string, params *chaincfg.Params, toScript func(string, *chaincfg.Params) ([]byte, error)) (*Authorization, error) {
	rest := username

	var shareDiffStr, pseudoDiffStr string
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		shareDiffStr = rest[idx+1:]
		rest = rest[:idx]
	}
	if idx := strings.LastIndex(rest, "+"); idx >= 0 {
		pseudoDiffStr = rest[idx+1:]
		rest = rest[:idx]
	}

	var worker string
	if idx := strings.Index(rest, "."); idx >= 0 {
		worker = rest[idx+1:]
		rest = rest[:idx]
	}

	var payoutAddr, auxPayoutAddr string
	if idx := strings.Index(rest, ","); idx >= 0 {
		payoutAddr = rest[:idx]
		auxPayoutAddr = rest[idx+1:]
	} else {
		payoutAddr = rest
	}

	payoutScript, err := toScript(payoutAddr, params)
	if err != nil {
		return nil, err
	}

	auth := &Authorization{PayoutScript: payoutScript, Worker: worker}

	if auxPayoutAddr != "" {
		auxScript, err := toScript(auxPayoutAddr, params)
		if err != nil {
			return nil, err
		}
		auth.AuxPayoutScript = auxScript
	}

	if shareDiffStr != "" {
		d, err := strconv.ParseFloat(shareDiffStr, 64)
		if err != nil {
			return nil, err
		}
		auth.ShareDiff = d
	}
	if pseudoDiffStr != "" {
		d, err := strconv.ParseFloat(pseudoDiffStr, 64)
		if err != nil {
			return nil, err
		}
		auth.PseudoshareDiff = d
	}

	return auth, nil
}

// SubmitParams is a parsed mining.submit request (ยง4.6).
type SubmitParams struct {
	Worker      string
	JobID       string
	Extranonce2 []byte
	Ntime       uint32
	Nonce       uint32
	VersionBits uint32
	HasVersion  bool
}

// ParseSubmitParams decodes the raw hex fields of a mining.submit call.
func ParseSubmitParams(worker, jobID, extranonce2Hex, ntimeHex, nonceHex, versionBitsHex string) (*SubmitParams, error) {
	ex2, err := hex.DecodeString(extranonce2Hex)
	if err != nil {
		return nil, ErrMalformedParams
	}
	ntime, err := strconv.ParseUint(ntimeHex, 16, 32)
	if err != nil {
		return nil, ErrMalformedParams
	}
	nonce, err := strconv.ParseUint(nonceHex, 16, 32)
	if err != nil {
		return nil, ErrMalformedParams
	}

	p := &SubmitParams{
		Worker:      worker,
		JobID:       jobID,
		Extranonce2: ex2,
		Ntime:       uint32(ntime),
		Nonce:       uint32(nonce),
	}
	if versionBitsHex != "" {
		vb, err := strconv.ParseUint(versionBitsHex, 16, 32)
		if err != nil {
			return nil, ErrMalformedParams
		}
		p.VersionBits = uint32(vb)
		p.HasVersion = true
	}
	return p, nil
}

// SubmitResult reports what tiers a submission's hash cleared.
type SubmitResult struct {
	MeetsShareTarget    bool
	MeetsPseudoshare    bool
	MeetsChainTarget    bool
	MeetsAuxTarget      bool
	MeetsParentTarget   bool
	Share               *wire.Share
	AuxProof            *auxSubmission
	ParentBlock         *btcwire.MsgBlock
}

type auxSubmission struct {
	ChainID        uint32
	ParentHeader   *btcwire.BlockHeader
	ParentCoinbase *btcwire.MsgTx
	MerkleBranch   []chainhash.Hash
	AuxBlockHash   chainhash.Hash

	// Trustless and the fields below it are set when the job's aux
	// template came from getblocktemplate(capabilities:["auxpow"]): the
	// sink assembles and submits a complete, independently-valid aux block
	// instead of the legacy (hash, auxpow) pair (§6 "Aux-chain RPC").
	Trustless       bool
	AuxVersion      int32
	AuxPrevHash     chainhash.Hash
	AuxTimestamp    uint32
	AuxBits         uint32
	AuxCoinbase     *btcwire.MsgTx
	AuxTransactions []*btcwire.MsgTx
}

// duplicateCache rejects repeated (job_id, extranonce2, ntime, nonce,
// version_bits) submissions within a trailing window (ยง4.7 step 7).
type duplicateCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
}

func newDuplicateCache(window time.Duration) *duplicateCache {
	return &duplicateCache{window: window, entries: make(map[string]time.Time)}
}

func (c *duplicateCache) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.entries[key]; ok && time.Since(t) < c.window {
		return true
	}
	c.entries[key] = time.Now()
	if len(c.entries) > 100000 {
		for k, t := range c.entries {
			if time.Since(t) > c.window {
				delete(c.entries, k)
			}
		}
	}
	return false
}

func submissionKey(p *SubmitParams) string {
	return p.JobID + ":" + hex.EncodeToString(p.Extranonce2) + ":" +
		strconv.FormatUint(uint64(p.Ntime), 16) + ":" + strconv.FormatUint(uint64(p.Nonce), 16) + ":" +
		strconv.FormatUint(uint64(p.VersionBits), 16)
}

// diffOneTarget is the conventional "difficulty 1" target: the easiest
// target the parent chain's consensus rules ever allow, against which a
// connection's floating-point difficulty multiplier is applied.
func diffOneTarget(params *chaincfg.Params) *big.Int {
	return params.MaxTarget
}

// targetForDifficulty returns diffOneTarget/difficulty, floored at 1.
func targetForDifficulty(params *chaincfg.Params, difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}
	scaled := new(big.Int).Div(diffOneTarget(params), big.NewInt(int64(difficulty*1000)))
	scaled.Mul(scaled, big.NewInt(1000))
	if scaled.Sign() <= 0 {
		return big.NewInt(1)
	}
	return scaled
}

// hashToBig converts a double-SHA256 header hash to a big.Int for target
// comparison, matching the parent chain's own little-endian digest
// convention (validate.hashToBig's unexported twin, duplicated here since
// the submission pipeline needs it before a wire.Share even exists).
func hashToBig(h chainhash.Hash) *big.Int {
	var buf chainhash.Hash
	for i := 0; i < chainhash.HashSize; i++ {
		buf[i] = h[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf[:])
}

// reassembleCoinbase splices ex1||ex2 between a job's cached coinbase
// halves.
func reassembleCoinbase(job *work.Job, ex1, ex2 []byte) []byte {
	buf := make([]byte, 0, len(job.CoinbasePrefix)+len(ex1)+len(ex2)+len(job.CoinbaseSuffix))
	buf = append(buf, job.CoinbasePrefix...)
	buf = append(buf, ex1...)
	buf = append(buf, ex2...)
	buf = append(buf, job.CoinbaseSuffix...)
	return buf
}

// applyVersionBits substitutes the granted version-rolling bits (under
// mask) into base, the way mining.configure's version-rolling extension
// allows a miner to roll extra search space through the block version
// field instead of the nonce alone.
func applyVersionBits(base int32, versionBits, mask uint32) int32 {
	return int32((uint32(base) &^ mask) | (versionBits & mask))
}

// Pipeline runs the C7 submission pipeline for one mining.submit call
// against job, for a connection with the given effective share difficulty
// and granted version-rolling mask.
type Pipeline struct {
	cfg     *Config
	params  *chaincfg.Params
	tracker *sharechain.Tracker
	dupes   *duplicateCache
}

// NewPipeline creates a submission pipeline bound to tracker and params.
func NewPipeline(cfg *Config, params *chaincfg.Params, tracker *sharechain.Tracker) *Pipeline {
	return &Pipeline{cfg: cfg, params: params, tracker: tracker, dupes: newDuplicateCache(cfg.DuplicateWindow)}
}

// Submit validates and (if it clears enough of the tiers) constructs the
// full share for a submission against job. ex1 is the submitting
// connection's own extranonce1, assigned at mining.subscribe.
func (p *Pipeline) Submit(job *work.Job, ex1 []byte, params *SubmitParams, shareDifficulty float64, versionMask uint32, now time.Time) (*SubmitResult, error) {
	if len(params.Extranonce2) != job.Extranonce2Len {
		return nil, ErrMalformedParams
	}
	if len(ex1) != job.Extranonce1Len {
		return nil, ErrMalformedParams
	}

	key := submissionKey(params)
	if p.dupes.seen(key) {
		return nil, ErrDuplicate
	}

	jobTime := time.Unix(int64(job.Timestamp), 0)
	submitTime := time.Unix(int64(params.Ntime), 0)
	if submitTime.Before(jobTime.Add(-p.cfg.NtimePastTolerance)) || submitTime.After(now.Add(p.cfg.NtimeFutureTolerance)) {
		return nil, ErrNtimeOutOfRange
	}

	coinbaseBytes := reassembleCoinbase(job, ex1, params.Extranonce2)
	coinbaseHash := chainhash.DoubleHashH(coinbaseBytes)

	link := wire.MerkleLink{Siblings: job.MerklePath, Index: 0}
	merkleRoot := link.Apply(coinbaseHash)

	version := job.Version
	if params.HasVersion {
		version = applyVersionBits(version, params.VersionBits, versionMask)
	}

	header := &btcwire.BlockHeader{
		Version:    version,
		PrevBlock:  job.PrevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(int64(params.Ntime), 0),
		Bits:       job.Bits,
		Nonce:      params.Nonce,
	}
	powHash := header.BlockHash()
	hashBig := hashToBig(powHash)

	result := &SubmitResult{}

	shareTarget := targetForDifficulty(p.params, shareDifficulty)
	if hashBig.Cmp(shareTarget) > 0 {
		return result, ErrBelowTarget
	}
	result.MeetsShareTarget = true

	if p.cfg.PseudoshareDifficulty > 0 {
		pseudoTarget := targetForDifficulty(p.params, p.cfg.PseudoshareDifficulty)
		if hashBig.Cmp(pseudoTarget) <= 0 {
			result.MeetsPseudoshare = true
		}
	}

	chainTarget := sharechain.CompactToBig(job.ShareBits)
	if hashBig.Cmp(chainTarget) <= 0 {
		result.MeetsChainTarget = true

		var coinbaseTx btcwire.MsgTx
		if err := coinbaseTx.Deserialize(bytes.NewReader(coinbaseBytes)); err != nil {
			return result, err
		}

		share := &wire.Share{
			SchemaVersion: job.SchemaVersion,
			ParentHeader:  *header,
			Coinbase:      coinbaseTx,
			MerkleLink:    link,
			Info: wire.ShareInfo{
				PreviousShareHash: job.PreviousShareHash,
				FarShareHash:      job.FarShareHash,
				Bits:              job.ShareBits,
				Timestamp:         params.Ntime,
				AbsHeight:         job.AbsHeight,
				PayoutScript:      job.PayoutScript,
				NewTransactions:   job.OtherTxHashes,
				DesiredVersion:    job.DesiredVersion,
				DonationFraction:  job.DonationFraction,
				AuxWork:           job.AuxWork,
			},
		}

		if err := validate.CheapVerify(share, p.params, now); err != nil {
			return result, err
		}
		result.Share = share
	}

	if job.AuxTarget != nil && hashBig.Cmp(job.AuxTarget) <= 0 {
		result.MeetsAuxTarget = true
		coinbase := decodeTx(coinbaseBytes)
		result.AuxProof = &auxSubmission{
			ChainID:        job.AuxChainID,
			ParentHeader:   header,
			ParentCoinbase: &coinbase,
			MerkleBranch:   job.MerklePath,
			AuxBlockHash:   job.AuxBlockHash,
			Trustless:      job.AuxTrustless,
		}
		if job.AuxTrustless {
			result.AuxProof.AuxVersion = job.AuxVersion
			result.AuxProof.AuxPrevHash = job.AuxPrevHash
			result.AuxProof.AuxTimestamp = job.AuxTimestamp
			result.AuxProof.AuxBits = job.AuxBits
			result.AuxProof.AuxCoinbase = job.AuxCoinbase
			result.AuxProof.AuxTransactions = job.AuxTransactions
		}
	}

	parentTarget := sharechain.CompactToBig(job.Bits)
	if hashBig.Cmp(parentTarget) <= 0 {
		result.MeetsParentTarget = true
		coinbase := decodeTx(coinbaseBytes)
		result.ParentBlock = &btcwire.MsgBlock{Header: *header}
		result.ParentBlock.AddTransaction(&coinbase)
		for _, tx := range job.Transactions {
			result.ParentBlock.AddTransaction(tx)
		}
	}

	return result, nil
}

func decodeTx(raw []byte) btcwire.MsgTx {
	var tx btcwire.MsgTx
	_ = tx.Deserialize(bytes.NewReader(raw))
	return tx
}
