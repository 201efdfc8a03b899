// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaincfg defines the share-chain network parameters that every
// other package in this module is built against: retarget constants, PPLNS
// window sizes, default ports, and the parent chain's own consensus limits.
package chaincfg

import (
	"errors"
	"math/big"
	"time"
)

// These are the share-chain target bounds, mirrored on the btcsuite pattern
// of precomputing big.Int powLimits once instead of recomputing them on
// every retarget.
var (
	bigOne = big.NewInt(1)

	// mainMaxTarget is the easiest (highest) share target permitted on
	// mainnet: 2^235 - 1. Shares easier than this are not relayed.
	mainMaxTarget = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 235), bigOne)

	// mainMinTarget is the hardest (lowest) share target: 2^224 - 1,
	// matched to the parent chain's own minimum so a share can never be
	// harder to produce than a full block.
	mainMinTarget = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)

	testMaxTarget = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 251), bigOne)
	testMinTarget = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)
)

// ShareNet represents which share-chain network a peer-protocol frame
// belongs to. It plays the same role wire.BitcoinNet plays for the parent
// chain's own P2P protocol: a magic 4-byte value exchanged at the start of
// every frame so unrelated networks can't cross-talk.
type ShareNet uint32

const (
	// MainNet is the production share-chain network.
	MainNet ShareNet = 0xf9bfb5d9

	// TestNet is the test share-chain network (ports offset by +1000).
	TestNet ShareNet = 0x0b110907
)

// String implements fmt.Stringer.
func (n ShareNet) String() string {
	switch n {
	case MainNet:
		return "mainnet"
	case TestNet:
		return "testnet"
	default:
		return "unknown"
	}
}

// Params groups all network-specific constants a node needs: share-chain
// retarget/PPLNS parameters, default ports, and identifiers for the parent
// and (optional) merged-mining auxiliary chain this instance cooperates
// with. Exactly one Params value is active per running node, selected by
// the CLI's Network selector option group.
type Params struct {
	// Name is the human-readable network name ("mainnet", "testnet").
	Name string

	// Net is the magic value prefixing every peer-protocol frame.
	Net ShareNet

	// DefaultMiningRPCPort is the line-JSON mining RPC listener port.
	DefaultMiningRPCPort int

	// DefaultPeerPort is the binary peer-protocol listener port.
	DefaultPeerPort int

	// DefaultBootstrap lists seed host:port peers used when the address
	// book is empty.
	DefaultBootstrap []string

	// ChainLength is CHAIN_LENGTH: the nominal PPLNS window length in
	// shares (e.g. 4320 shares at a 20s share period is ~24h).
	ChainLength uint64

	// SharePeriod is the target time between shares, analogous to a
	// parent chain's block time but two to three orders of magnitude
	// shorter.
	SharePeriod time.Duration

	// TargetLookbehind is the number of trailing shares examined by the
	// retarget algorithm (§4.3).
	TargetLookbehind uint32

	// MaxRetargetStep bounds how far a single retarget may move the
	// target, expressed as a fraction (0.5 == ±50%).
	MaxRetargetStep float64

	// MaxTarget/MinTarget bound every share's target bits regardless of
	// what retargeting computes.
	MaxTarget *big.Int
	MinTarget *big.Int

	// MaxFutureBlockTime bounds how far a share's timestamp may sit ahead
	// of the predecessor's timestamp.
	MaxFutureBlockTime time.Duration

	// MinPastBlockTime bounds how far behind the predecessor's timestamp
	// a share's timestamp may sit. It is a small negative tolerance, not
	// zero, since miner clocks are never perfectly synchronized.
	MinPastBlockTime time.Duration

	// ReorgLimit is the maximum depth, in shares, at which the tracker
	// will still accept a reorg onto a competing branch. Beyond this
	// depth ancestors are checkpointed.
	ReorgLimit uint64

	// FarShareOffset is the fixed offset used to compute each share's
	// far-predecessor checkpoint hash (§3 invariant 7).
	FarShareOffset uint64

	// IdentifierBytes distinguishes reference-hash commitments on this
	// network from any other share-chain network sharing the same parent
	// chain (e.g. mainnet vs testnet side chains for the same coin).
	IdentifierBytes [8]byte

	// AcceptedVersions is the set of share-schema versions this node will
	// validate and relay (§9 dynamic dispatch over share schema
	// versions).
	AcceptedVersions []uint16

	// PubKeyHashAddrID is the parent chain's base58 version byte for
	// pay-to-pubkey-hash payout addresses, used to decode a miner's
	// `mining.authorize` payout address into a coinbase script.
	PubKeyHashAddrID byte

	// Bech32HRP is the parent chain's bech32 human-readable part, used to
	// decode segwit/taproot payout addresses.
	Bech32HRP string
}

// RetentionShares returns RETENTION = 2 * CHAIN_LENGTH: the working-set
// depth kept in memory and on disk before a share is archived.
func (p *Params) RetentionShares() uint64 {
	return 2 * p.ChainLength
}

// RealChainLengthShares returns the PPLNS payout window length. It is
// identical to ChainLength; it is named separately because some networks
// may eventually decouple the two (§3).
func (p *Params) RealChainLengthShares() uint64 {
	return p.ChainLength
}

// MainNetParams defines the parameters for the production network.
var MainNetParams = Params{
	Name:                 "mainnet",
	Net:                  MainNet,
	DefaultMiningRPCPort: 9327,
	DefaultPeerPort:      9338,
	DefaultBootstrap: []string{
		"seed1.p2pool.example:9338",
		"seed2.p2pool.example:9338",
	},
	ChainLength:        4320,
	SharePeriod:        20 * time.Second,
	TargetLookbehind:   100,
	MaxRetargetStep:    0.5,
	MaxTarget:          mainMaxTarget,
	MinTarget:          mainMinTarget,
	MaxFutureBlockTime: 3 * time.Hour,
	MinPastBlockTime:   -60 * time.Second,
	ReorgLimit:         4320,
	FarShareOffset:     99,
	IdentifierBytes:    [8]byte{'P', '2', 'P', 'O', 'O', 'L', 0, 1},
	AcceptedVersions:   []uint16{17, 32, 33, 34, 35, 36},
	PubKeyHashAddrID:   0x00,
	Bech32HRP:          "bc",
}

// TestNetParams defines the parameters for the test network.
var TestNetParams = Params{
	Name:                 "testnet",
	Net:                  TestNet,
	DefaultMiningRPCPort: 10327,
	DefaultPeerPort:      10338,
	ChainLength:          720,
	SharePeriod:          10 * time.Second,
	TargetLookbehind:     50,
	MaxRetargetStep:      0.5,
	MaxTarget:            testMaxTarget,
	MinTarget:            testMinTarget,
	MaxFutureBlockTime:   3 * time.Hour,
	MinPastBlockTime:     -60 * time.Second,
	ReorgLimit:           720,
	FarShareOffset:       49,
	IdentifierBytes:      [8]byte{'P', '2', 'P', 'O', 'O', 'L', 0, 2},
	AcceptedVersions:     []uint16{17, 32, 33, 34, 35, 36},
	PubKeyHashAddrID:     0x6f,
	Bech32HRP:            "tb",
}

// ErrUnknownNet is returned by ParamsByName for an unrecognized network
// selector.
var ErrUnknownNet = errors.New("chaincfg: unknown network")

// ParamsByName resolves the CLI's Network selector option to a Params
// value.
func ParamsByName(name string) (*Params, error) {
	switch name {
	case "mainnet", "":
		return &MainNetParams, nil
	case "testnet":
		return &TestNetParams, nil
	default:
		return nil, ErrUnknownNet
	}
}
