// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package p2p implements the peer protocol (C8): connection lifecycle,
// tip announcement, share fetch/sync, and transaction gossip over the
// length-prefixed checksummed binary frames defined in package wire.
package p2p

import "time"

// Config controls the peer server's listening behavior, outbound dialing
// policy, and per-connection timeouts (ยง5, ยง6 "Peer bind"/"Connection
// limits"/"Peer bootstrap").
type Config struct {
	// ListenAddr is the TCP address the peer server binds. Empty disables
	// inbound connections.
	ListenAddr string

	// Bootstrap lists seed host:port peers tried when the address book is
	// empty.
	Bootstrap []string

	// MaxInbound caps simultaneously accepted inbound connections.
	MaxInbound int

	// TargetOutbound is the number of outbound connections the server
	// tries to maintain.
	TargetOutbound int

	// SoftwareID is advertised in this node's version message.
	SoftwareID string

	// HandshakeTimeout bounds how long a freshly opened connection has to
	// complete version/verack before it is dropped.
	HandshakeTimeout time.Duration

	// PingInterval is how often an idle connection is probed with ping
	// (ยง5 idle-timeout keepalive).
	PingInterval time.Duration

	// PongTimeout is how long a peer has to answer a ping before it is
	// disconnected.
	PongTimeout time.Duration

	// SendQueueDepth bounds the per-connection outbound frame queue;
	// exceeding it disconnects the peer (ยง5 backpressure: fail-fast, the
	// peer will reconnect).
	SendQueueDepth int

	// DialTimeout bounds an outbound TCP connection attempt.
	DialTimeout time.Duration

	// GetSharesBatch is the MaxCount this node requests per getshares
	// round trip during sync (ยง4.8).
	GetSharesBatch uint32

	// ReconnectInterval is how often the outbound-connection maintainer
	// wakes to top up TargetOutbound.
	ReconnectInterval time.Duration

	// TxCacheSize bounds the recent-transactions dedup set (ยง4.8
	// transaction gossip).
	TxCacheSize uint

	// ShareCacheSize bounds the recently-seen-share-hash dedup set used to
	// avoid re-requesting or re-relaying a share this node already holds.
	ShareCacheSize uint

	// MaxInvalidMessages / MaxMalformedFrames bound the per-connection
	// counts of invalid messages and malformed frames that trigger a
	// disconnect (ยง4.8 rate limiting). The counts accumulate over the
	// connection's lifetime; ScoreWindow is not read by the server.
	MaxInvalidMessages   int
	MaxMalformedFrames   int
	ScoreWindow          time.Duration
}

// DefaultConfig returns a reasonable default configuration for a new node.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":9338",
		MaxInbound:     64,
		TargetOutbound: 8,
		SoftwareID:     "p2pool-go",

		HandshakeTimeout: 10 * time.Second,
		PingInterval:     90 * time.Second,
		PongTimeout:      30 * time.Second,
		SendQueueDepth:   256,
		DialTimeout:      10 * time.Second,

		GetSharesBatch:    500,
		ReconnectInterval: 30 * time.Second,

		TxCacheSize:    50000,
		ShareCacheSize: 50000,

		MaxInvalidMessages: 20,
		MaxMalformedFrames: 5,
		ScoreWindow:        10 * time.Minute,
	}
}
