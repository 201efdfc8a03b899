// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/p2pool-go/p2pool/addrmgr"
	"github.com/p2pool-go/p2pool/auxpow"
	"github.com/p2pool-go/p2pool/p2p"
	"github.com/p2pool-go/p2pool/pplns"
	"github.com/p2pool-go/p2pool/rpcclient"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/spool"
	"github.com/p2pool-go/p2pool/stratum"
	"github.com/p2pool-go/p2pool/validate"
	"github.com/p2pool-go/p2pool/work"
)

// logWriter lets the backend write to both stdout and the rotator, the
// same split every btcsuite daemon uses so operators see output on the
// console while a full history lands on disk.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

var (
	logRotator *rotator.Rotator
	backendLog *btclog.Backend
)

// subsystemLoggers maps each package's four-letter subsystem tag to its
// UseLogger hook, so one config option tunes every package at once.
var subsystemLoggers = map[string]func(btclog.Logger){
	"SHCH": sharechain.UseLogger,
	"VALD": validate.UseLogger,
	"PPLN": pplns.UseLogger,
	"WORK": work.UseLogger,
	"STRT": stratum.UseLogger,
	"PEER": p2p.UseLogger,
	"ADDR": addrmgr.UseLogger,
	"SPOL": spool.UseLogger,
	"AUXP": auxpow.UseLogger,
	"RPCC": rpcclient.UseLogger,
}

// initLogRotator opens (creating if necessary) the rotating log file at
// logFile and wires every package's subsystem logger to the shared backend.
func initLogRotator(logDir string, level btclog.Level) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, "p2pool.log")
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create log rotator: %w", err)
	}
	logRotator = r

	backendLog = btclog.NewBackend(logWriter{rotator: r})

	for tag, use := range subsystemLoggers {
		l := backendLog.Logger(tag)
		l.SetLevel(level)
		use(l)
	}

	log = backendLog.Logger("MAIN")
	log.SetLevel(level)

	return nil
}

// log is main's own subsystem logger (tag "MAIN"), set up by
// initLogRotator; until then it discards everything.
var log = btclog.Disabled
