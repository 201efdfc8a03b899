// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package stratum implements the mining RPC server (C6) and submission
// pipeline (C7): a line-JSON Stratum-style protocol miners speak to this
// node, and the multi-tier acceptance logic that turns a qualifying nonce
// into an accepted share, an optional aux block, and an optional parent
// block.
package stratum

import "time"

// Config controls the mining RPC server's network behavior and the
// submission pipeline's acceptance policy.
type Config struct {
	// ListenAddr is the TCP address the mining RPC server binds.
	ListenAddr string

	// ConnectionTimeout closes a connection that goes this long without
	// sending a line.
	ConnectionTimeout time.Duration

	// DonationScript receives DonationFraction of every share's subsidy
	// (ยง4.4's PPLNS donation split).
	DonationScript   []byte
	DonationFraction uint16

	// InitialShareDifficulty is the per-connection share-difficulty
	// multiplier assigned at mining.subscribe.
	InitialShareDifficulty float64
	MinShareDifficulty     float64
	MaxShareDifficulty     float64

	// TargetShareInterval, MinShareDifficulty and MaxShareDifficulty are
	// not read by the server: a connection keeps InitialShareDifficulty, or
	// the difficulty requested in its username, and is not retargeted.
	TargetShareInterval time.Duration

	// PseudoshareDifficulty, if non-zero, enables the optional middle tier
	// of ยง4.7's submission pipeline: hashes meeting this (harder than the
	// share target, easier than the share-chain's own target) are counted
	// toward a hashrate estimate without constructing a share.
	PseudoshareDifficulty float64

	// NtimePastTolerance bounds how far a submitted ntime may lag the job's
	// own ntime, and NtimeFutureTolerance how far it may run ahead of the
	// current time (ยง4.7).
	NtimePastTolerance   time.Duration
	NtimeFutureTolerance time.Duration

	// JobExpiry is how long a job id remains valid for submission after
	// the job was created.
	JobExpiry time.Duration

	// DuplicateWindow is how long a (job_id, extranonce2, ntime, nonce,
	// version_bits) tuple is remembered to reject repeat submissions.
	DuplicateWindow time.Duration

	// Extranonce1Len/Extranonce2Len size the per-connection and
	// per-submission extranonce fields reserved in every coinbase.
	Extranonce1Len int
	Extranonce2Len int

	// SchemaVersion is the share-schema version this node produces.
	SchemaVersion uint16

	// DesiredVersion is the share-chain protocol version this node
	// prefers (ยง9 dynamic dispatch), stamped into every share it builds.
	DesiredVersion uint16

	// VersionRollingMask is the ASICBoost mask this server is willing to
	// grant to a subset of the block version's bits under
	// mining.configure's version-rolling extension.
	VersionRollingMask uint32

	// MaxConnections caps the number of simultaneous mining-RPC
	// connections this server accepts (ยง6 "Connection limits"). Zero
	// means unlimited.
	MaxConnections int
}

// DefaultConfig returns a reasonable default configuration for a new node.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":9327",
		ConnectionTimeout: 10 * time.Minute,

		DonationFraction: 0,

		InitialShareDifficulty: 1.0,
		MinShareDifficulty:     0.001,
		MaxShareDifficulty:     1_000_000,
		TargetShareInterval:    10 * time.Second,

		NtimePastTolerance:   120 * time.Second,
		NtimeFutureTolerance: 120 * time.Second,

		JobExpiry:       5 * time.Minute,
		DuplicateWindow: 10 * time.Minute,

		Extranonce1Len: 4,
		Extranonce2Len: 4,

		SchemaVersion:  34,
		DesiredVersion: 34,
	}
}
