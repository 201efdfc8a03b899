// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger (tag "PEER"), wired up by
// cmd/p2pool's log.go the way every btcsuite-derived package leaves logging
// disabled until the caller supplies a backend.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
