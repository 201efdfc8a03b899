// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcclient implements the two external RPC collaborators named in
// §6: the parent-chain node (getblocktemplate/submitblock/...) and, if
// merged mining is configured, an auxiliary chain node in either its legacy
// getauxblock or trustless getblocktemplate(capabilities=["auxpow"]) mode.
// Both wrap github.com/btcsuite/btcd/rpcclient, the same JSON-RPC client the
// parent chain's own tooling is built on, rather than hand-rolling HTTP.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/p2pool-go/p2pool/work"
)

// ErrTimeout is returned when a call exceeds its deadline (§5 "every
// outbound RPC has a deadline").
var ErrTimeout = errors.New("rpcclient: call exceeded its deadline")

// ParentConfig holds the connection settings for the parent-chain node (§6
// "Parent-node connection").
type ParentConfig struct {
	Host     string
	User     string
	Pass     string
	Insecure bool // plaintext HTTP instead of TLS

	// Timeout bounds each RPC call (§5: "typical: 10s for parent-node
	// calls").
	Timeout time.Duration

	// MaxRetries and the backoff parameters govern FetchBlockTemplate's
	// retry behavior on transient failure (§5 "retries, with exponential
	// backoff and jitter").
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultParentConfig returns sane defaults for the retry/timeout knobs.
func DefaultParentConfig() ParentConfig {
	return ParentConfig{
		Timeout:      10 * time.Second,
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// ParentClient is the parent-chain RPC collaborator: it supplies fresh block
// templates to the work composer and accepts fully assembled blocks back
// from the submission pipeline.
type ParentClient struct {
	cfg    ParentConfig
	client *rpcclient.Client
}

// NewParentClient dials the parent-chain node's RPC endpoint. Connection
// itself is lazy (HTTP POST mode keeps no persistent socket); failure here
// only indicates a malformed config.
func NewParentClient(cfg ParentConfig) (*ParentClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.Insecure,
	}
	c, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial parent node: %w", err)
	}
	return &ParentClient{cfg: cfg, client: c}, nil
}

// Shutdown releases the underlying HTTP client.
func (p *ParentClient) Shutdown() {
	p.client.Shutdown()
}

// Ping verifies the parent node is reachable and returns its network
// identity, used at startup (exit code 2: "parent-node unreachable on
// startup" per §6).
func (p *ParentClient) Ping(ctx context.Context) (*btcjson.GetNetworkInfoResult, error) {
	type result struct {
		info *btcjson.GetNetworkInfoResult
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		info, err := p.client.GetNetworkInfo()
		ch <- result{info, err}
	}()
	select {
	case r := <-ch:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-time.After(p.cfg.Timeout):
		return nil, ErrTimeout
	}
}

// FetchBlockTemplate requests a fresh template from the parent node and
// adapts it into the composer's BlockTemplate shape (§4.5 step 1). Transient
// failures are retried with exponential backoff and jitter (§5); the caller
// sees an error only after MaxRetries is exhausted.
func (p *ParentClient) FetchBlockTemplate(ctx context.Context) (*work.BlockTemplate, error) {
	req := &btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: []string{"coinbasetxn", "coinbasevalue", "longpoll"},
	}

	var lastErr error
	delay := p.cfg.InitialDelay
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter(delay)):
			}
			delay *= 2
			if delay > p.cfg.MaxDelay {
				delay = p.cfg.MaxDelay
			}
		}

		tmpl, err := p.callGetBlockTemplate(ctx, req)
		if err == nil {
			return tmpl, nil
		}
		lastErr = err
		log.Warnf("getblocktemplate attempt %d failed: %v", attempt+1, err)
	}
	return nil, fmt.Errorf("rpcclient: getblocktemplate failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

func (p *ParentClient) callGetBlockTemplate(ctx context.Context, req *btcjson.TemplateRequest) (*work.BlockTemplate, error) {
	type result struct {
		res *btcjson.GetBlockTemplateResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := p.client.GetBlockTemplate(req)
		ch <- result{res, err}
	}()

	var gbt *btcjson.GetBlockTemplateResult
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		gbt = r.res
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.cfg.Timeout):
		return nil, ErrTimeout
	}

	return adaptTemplate(gbt)
}

// adaptTemplate converts a btcjson GetBlockTemplateResult to the composer's
// BlockTemplate. When the node omits CoinbaseTxn (template-only mode, §9
// open question), the coinbase value is taken from CoinbaseValue alone and
// the composer builds the coinbase itself, exactly as §4.5 step 1 requires.
func adaptTemplate(gbt *btcjson.GetBlockTemplateResult) (*work.BlockTemplate, error) {
	prevHash, err := chainhash.NewHashFromStr(gbt.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: bad previousblockhash: %w", err)
	}
	bits, err := parseHexUint32(gbt.Bits)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: bad bits: %w", err)
	}

	var subsidyPlusFees int64
	if gbt.CoinbaseTxn != nil {
		subsidyPlusFees = gbt.CoinbaseTxn.Fee
	}
	if gbt.CoinbaseValue != nil {
		subsidyPlusFees = *gbt.CoinbaseValue
	}

	txs := make([]*btcwire.MsgTx, 0, len(gbt.Transactions))
	for _, t := range gbt.Transactions {
		raw, err := hex.DecodeString(t.Data)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: bad template tx hex: %w", err)
		}
		var tx btcwire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("rpcclient: bad template tx: %w", err)
		}
		txs = append(txs, &tx)
	}

	return &work.BlockTemplate{
		PrevHash:        *prevHash,
		Height:          uint64(gbt.Height),
		Version:         gbt.Version,
		Bits:            bits,
		CurTime:         gbt.CurTime,
		SubsidyPlusFees: subsidyPlusFees,
		Transactions:    txs,
	}, nil
}

// SubmitParentBlock submits a fully assembled block to the parent node via
// submitblock (§4.7 "assemble the full parent block and submit to the
// parent node").
func (p *ParentClient) SubmitParentBlock(ctx context.Context, block *btcwire.MsgBlock) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		err := p.client.SubmitBlock(btcutil.NewBlock(block), nil)
		ch <- result{err}
	}()
	select {
	case r := <-ch:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.Timeout):
		return ErrTimeout
	}
}

// GetBlockHash backs the peer protocol's occasional need to
// cross-check parent-chain state when a share references a parent block
// this node hasn't itself assembled (e.g. independent verification of a
// peer-relayed share's header).
func (p *ParentClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	type result struct {
		hash *chainhash.Hash
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := p.client.GetBlockHash(height)
		ch <- result{h, err}
	}()
	select {
	case r := <-ch:
		return r.hash, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.cfg.Timeout):
		return nil, ErrTimeout
	}
}

// HasTx reports whether the parent node already has hash in its mempool or
// chain, implementing half of p2p.TxRelay (§4.8 transaction gossip).
func (p *ParentClient) HasTx(hash chainhash.Hash) bool {
	_, err := p.client.GetRawTransaction(&hash)
	return err == nil
}

// SubmitTx forwards a gossiped transaction's raw bytes to the parent node's
// mempool, the other half of p2p.TxRelay.
func (p *ParentClient) SubmitTx(raw []byte) error {
	var tx btcwire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err := p.client.SendRawTransaction(btcutil.NewTx(&tx), false)
	return err
}

func parseHexUint32(s string) (uint32, error) {
	var v uint32
	_, err := fmt.Sscanf(s, "%08x", &v)
	return v, err
}

func jitter(d time.Duration) time.Duration {
	// A uniformly random delay within d/8 either side of d, so retries
	// from several clients after a shared outage do not line up.
	span := int64(d / 4)
	if span <= 0 {
		return d
	}
	return d - d/8 + time.Duration(rand.Int63n(span+1))
}
