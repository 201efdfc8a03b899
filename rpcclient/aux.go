// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/p2pool-go/p2pool/auxpow"
	"github.com/p2pool-go/p2pool/work"
)

// AuxConfig holds the connection settings for an optional merged-mining
// auxiliary chain node (§6 "Aux-node connection").
type AuxConfig struct {
	Host     string
	User     string
	Pass     string
	Insecure bool
	Timeout  time.Duration

	// ChainID tags this auxiliary chain in ShareInfo.AuxWork entries and
	// the merged-mining commitment.
	ChainID uint32

	// PayoutAddress is the operator's aux-chain payout address. AuxClient
	// does not read it: the legacy getauxblock call sends no address, so in
	// legacy mode the aux subsidy goes to the payee of the aux node's own
	// coinbase.
	PayoutAddress string
}

// auxBlockResult is the legacy getauxblock (no arguments) response shape:
// one payout address baked into the aux node's own coinbase, so this
// node's only job is to commit to the returned hash (§6 "Aux-chain RPC").
type auxBlockResult struct {
	Hash              string `json:"hash"`
	ChainID           uint32 `json:"chainid"`
	PreviousBlockHash string `json:"previousblockhash"`
	CoinbaseValue     int64  `json:"coinbasevalue"`
	Bits              string `json:"bits"`
	Height            int64  `json:"height"`
}

// auxPowTemplateResult is the trustless getblocktemplate(capabilities:
// ["auxpow"]) response shape: a regular template plus an "auxpow" object
// identifying the chain and target, detected per §6 "Aux-chain RPC":
// "Detection: if the aux template response contains an auxpow object...".
type auxPowTemplateResult struct {
	PreviousBlockHash string `json:"previousblockhash"`
	CoinbaseValue     *int64 `json:"coinbasevalue"`
	Bits              string `json:"bits"`
	Height            int64  `json:"height"`
	Version           int32  `json:"version"`
	CurTime           int64  `json:"curtime"`
	Transactions      []struct {
		Data string `json:"data"`
	} `json:"transactions"`
	AuxPow            *struct {
		ChainID uint32 `json:"chainid"`
		Target  string `json:"target"`
	} `json:"auxpow"`
}

// AuxClient is the merged-mining auxiliary chain RPC collaborator. It
// auto-detects which of the two documented modes (§6) the configured node
// speaks on its first successful call and sticks with it thereafter.
type AuxClient struct {
	cfg    AuxConfig
	client *rpcclient.Client

	mode auxMode
}

type auxMode int

const (
	auxModeUnknown auxMode = iota
	auxModeLegacy
	auxModeTrustless
)

// NewAuxClient dials an auxiliary chain node's RPC endpoint.
func NewAuxClient(cfg AuxConfig) (*AuxClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.Insecure,
	}
	c, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial aux node: %w", err)
	}
	return &AuxClient{cfg: cfg, client: c}, nil
}

// Shutdown releases the underlying HTTP client.
func (a *AuxClient) Shutdown() {
	a.client.Shutdown()
}

// FetchAuxTemplate returns the current auxiliary chain work, or ok=false if
// the aux node has nothing new (mirrors the main TemplateSource contract
// for the optional aux half).
func (a *AuxClient) FetchAuxTemplate(ctx context.Context) (*work.AuxTemplate, bool, error) {
	if a.mode == auxModeUnknown || a.mode == auxModeTrustless {
		tmpl, ok, err := a.tryTrustless(ctx)
		if err == nil {
			a.mode = auxModeTrustless
			return tmpl, ok, nil
		}
		if a.mode == auxModeTrustless {
			return nil, false, err
		}
	}

	tmpl, ok, err := a.tryLegacy(ctx)
	if err == nil {
		a.mode = auxModeLegacy
	}
	return tmpl, ok, err
}

func (a *AuxClient) tryTrustless(ctx context.Context) (*work.AuxTemplate, bool, error) {
	params := []json.RawMessage{json.RawMessage(`{"capabilities":["auxpow"]}`)}
	raw, err := a.rawRequest(ctx, "getblocktemplate", params)
	if err != nil {
		return nil, false, err
	}

	var res auxPowTemplateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("rpcclient: aux getblocktemplate: %w", err)
	}
	if res.AuxPow == nil {
		return nil, false, fmt.Errorf("rpcclient: aux node does not advertise auxpow capability")
	}

	prevHash, err := chainhash.NewHashFromStr(res.PreviousBlockHash)
	if err != nil {
		return nil, false, fmt.Errorf("rpcclient: bad aux previousblockhash: %w", err)
	}
	bits, err := parseHexUint32(res.Bits)
	if err != nil {
		return nil, false, fmt.Errorf("rpcclient: bad aux bits: %w", err)
	}

	var subsidy int64
	if res.CoinbaseValue != nil {
		subsidy = *res.CoinbaseValue
	}

	txs := make([]*btcwire.MsgTx, 0, len(res.Transactions))
	for _, t := range res.Transactions {
		raw, err := hex.DecodeString(t.Data)
		if err != nil {
			return nil, false, fmt.Errorf("rpcclient: bad aux template tx hex: %w", err)
		}
		var tx btcwire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, false, fmt.Errorf("rpcclient: bad aux template tx: %w", err)
		}
		txs = append(txs, &tx)
	}

	// AuxBlockHash is intentionally left unset: in trustless mode the
	// commitment is the pool's own PPLNS-built aux coinbase merkle root,
	// computed by the work composer once it knows the payout window, not a
	// hash this node can supply up front.
	return &work.AuxTemplate{
		ChainID:       res.AuxPow.ChainID,
		Subsidy:       subsidy,
		Bits:          bits,
		PrevHash:      *prevHash,
		Version:       res.Version,
		CurTime:       res.CurTime,
		Transactions:  txs,
		Trustless:     true,
		CommitmentTag: auxpow.DefaultCommitmentTag,
	}, true, nil
}

func (a *AuxClient) tryLegacy(ctx context.Context) (*work.AuxTemplate, bool, error) {
	raw, err := a.rawRequest(ctx, "getauxblock", nil)
	if err != nil {
		return nil, false, err
	}

	var res auxBlockResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("rpcclient: aux getauxblock: %w", err)
	}

	auxHash, err := chainhash.NewHashFromStr(res.Hash)
	if err != nil {
		return nil, false, fmt.Errorf("rpcclient: bad aux block hash: %w", err)
	}
	bits, err := parseHexUint32(res.Bits)
	if err != nil {
		return nil, false, fmt.Errorf("rpcclient: bad aux bits: %w", err)
	}
	prevHash, err := chainhash.NewHashFromStr(res.PreviousBlockHash)
	if err != nil {
		prevHash = &chainhash.Hash{}
	}

	chainID := a.cfg.ChainID
	if res.ChainID != 0 {
		chainID = res.ChainID
	}

	return &work.AuxTemplate{
		ChainID:       chainID,
		Subsidy:       res.CoinbaseValue,
		Bits:          bits,
		PrevHash:      *prevHash,
		AuxBlockHash:  *auxHash,
		CommitmentTag: auxpow.DefaultCommitmentTag,
	}, true, nil
}

// SubmitAuxBlock submits a legacy-mode solved auxiliary block: getauxblock
// called with the (hash, auxpow_hex) pair the aux node's own single-address
// coinbase requires (§6 "Aux-chain RPC").
func (a *AuxClient) SubmitAuxBlock(ctx context.Context, auxBlockHashHex, auxPowHex string) error {
	params := []json.RawMessage{
		json.RawMessage(fmt.Sprintf("%q", auxBlockHashHex)),
		json.RawMessage(fmt.Sprintf("%q", auxPowHex)),
	}
	_, err := a.rawRequest(ctx, "getauxblock", params)
	return err
}

// SubmitTrustlessAuxBlock submits a complete, independently-valid aux block
// (header, pool-built coinbase, other transactions, and the merged-mining
// proof) via the aux node's standard submitblock RPC (§6 "Aux-chain RPC",
// trustless mode).
func (a *AuxClient) SubmitTrustlessAuxBlock(ctx context.Context, blockHex string) error {
	params := []json.RawMessage{json.RawMessage(fmt.Sprintf("%q", blockHex))}
	_, err := a.rawRequest(ctx, "submitblock", params)
	return err
}

func (a *AuxClient) rawRequest(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := a.client.RawRequest(method, params)
		ch <- result{raw, err}
	}()
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.cfg.Timeout):
		return nil, ErrTimeout
	}
}
