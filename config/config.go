// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config parses this node's CLI/INI configuration surface (§6) into
// typed option groups using the same jessevdk/go-flags parser the parent
// chain's own node CLI is built on.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/p2pool-go/p2pool/chaincfg"
)

// ParentNodeOptions groups the parent-chain RPC and optional direct P2P
// connection settings (§6 "Parent-node connection").
type ParentNodeOptions struct {
	RPCHost  string `long:"parentrpchost" description:"Parent-chain RPC host:port" default:"127.0.0.1:8332"`
	RPCUser  string `long:"parentrpcuser" description:"Parent-chain RPC username"`
	RPCPass  string `long:"parentrpcpass" description:"Parent-chain RPC password"`
	P2PHost  string `long:"parentp2phost" description:"Parent-chain P2P host:port for direct block broadcast (optional)"`
	Insecure bool   `long:"parentrpcinsecure" description:"Allow plaintext (non-TLS) parent RPC"`
}

// AuxNodeOptions groups the optional merged-mining auxiliary chain's RPC
// connection and fallback payout address (§6 "Aux-node connection").
type AuxNodeOptions struct {
	Enabled       bool   `long:"auxenable" description:"Enable merged mining against an auxiliary chain"`
	RPCHost       string `long:"auxrpchost" description:"Aux-chain RPC host:port"`
	RPCUser       string `long:"auxrpcuser" description:"Aux-chain RPC username"`
	RPCPass       string `long:"auxrpcpass" description:"Aux-chain RPC password"`
	PayoutAddress string `long:"auxpayoutaddress" description:"Aux-chain payout address, used when the aux chain lacks multi-output template support"`
	ChainID       uint32 `long:"auxchainid" description:"Aux-chain identifier stamped into the merged-mining commitment"`

	// SunsetHashrateThreshold, MonitoringBlocks, and SunsetNoticeBlocks
	// configure the optional hashrate-ratio sunset policy under which this
	// node stops offering merged mining once native mining dominates
	// (§ SUPPLEMENTED FEATURES). Zero disables sunset tracking entirely.
	SunsetHashrateThreshold uint64 `long:"auxsunsetthreshold" description:"Native hashrate percentage above which merged mining is retired (0 disables)"`
	MonitoringBlocks        uint32 `long:"auxsunsetmonitorblocks" description:"How often (in blocks) the sunset policy is reassessed" default:"2016"`
	SunsetNoticeBlocks      uint32 `long:"auxsunsetnoticeblocks" description:"Blocks of advance notice before merged mining is actually retired" default:"2016"`
}

// Config is the fully parsed, validated configuration for one node
// process. Field groups mirror §6's option-group table.
type Config struct {
	Network string `long:"network" description:"Network to operate on" choice:"mainnet" choice:"testnet" default:"mainnet"`

	Parent ParentNodeOptions `group:"Parent Node"`
	Aux    AuxNodeOptions    `group:"Aux Node"`

	PayoutAddress     string  `long:"payoutaddress" description:"Operator's own miner payout address" required:"true"`
	DonationFraction  float64 `long:"donationpercent" description:"Author donation percentage (0-100) added to generated shares" default:"1.0"`
	NodeFeePercent    float64 `long:"nodefeepercent" description:"Separate operator fee percentage, paid into --payoutaddress"`

	StratumBind string `long:"stratumbind" description:"Mining RPC (Stratum) listen address" default:":9327"`
	PeerBind    string `long:"peerbind" description:"Peer protocol listen address" default:":9338"`

	Bootstrap      []string `long:"bootstrap" description:"Seed host:port peer (may be given multiple times); falls back to network defaults when empty"`
	MaxInbound     int      `long:"maxinboundpeers" description:"Maximum inbound peer connections" default:"64"`
	TargetOutbound int      `long:"targetoutboundpeers" description:"Target outbound peer connections" default:"8"`
	MaxMiners      int      `long:"maxminers" description:"Maximum simultaneous mining-RPC connections" default:"0"`

	DataDir string `long:"datadir" description:"Root of share log, archive directory, address book, peer scoring db" default:"~/.p2pool"`

	LogDir     string `long:"logdir" description:"Directory for rotated log files" default:"~/.p2pool/logs"`
	Verbosity  string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}" default:"info"`
}

// ErrConfiguration wraps a configuration-parse or -validation failure,
// mapped to exit code 1 (§6).
type ErrConfiguration struct {
	Err error
}

func (e *ErrConfiguration) Error() string { return "config: " + e.Err.Error() }
func (e *ErrConfiguration) Unwrap() error { return e.Err }

// Load parses args (typically os.Args[1:]) into a Config, expands ~ in path
// options, and resolves the chosen network into chaincfg.Params.
func Load(args []string) (*Config, *chaincfg.Params, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, &ErrConfiguration{Err: err}
	}

	params, err := chaincfg.ParamsByName(cfg.Network)
	if err != nil {
		return nil, nil, &ErrConfiguration{Err: err}
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.LogDir = expandHome(cfg.LogDir)

	if len(cfg.Bootstrap) == 0 {
		cfg.Bootstrap = params.DefaultBootstrap
	}
	if cfg.DonationFraction < 0 || cfg.DonationFraction > 100 {
		return nil, nil, &ErrConfiguration{Err: fmt.Errorf("donationpercent must be within [0,100]")}
	}
	if cfg.NodeFeePercent < 0 || cfg.NodeFeePercent > 100 {
		return nil, nil, &ErrConfiguration{Err: fmt.Errorf("nodefeepercent must be within [0,100]")}
	}

	return cfg, params, nil
}

func expandHome(p string) string {
	if p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return home
	}
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[2:])
	}
	return p
}
