// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spool implements the persistent spool (C9): the append-only share
// log with crash-safe replay, periodic archival of pruned shares, and a
// durable hash index holding each share's bookkeeping (verified flag,
// insertion time), which archival reads (§4.9). The peer address book's own persistence lives in addrmgr; this
// package only schedules its periodic save, the other on-disk resource §4.9
// names.
package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/sys/unix"

	"github.com/p2pool-go/p2pool/addrmgr"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
)

const (
	shareLogName  = "shares.dat"
	archiveDir    = "share_archive"
	indexDirName  = "share_index"
	addrBookName  = "addrs.json"
)

// Spool owns the on-disk share log, its durable lookup index, and the
// archive directory pruned shares are moved into (§4.9).
type Spool struct {
	dataDir string

	mu      sync.Mutex
	logFile *os.File
	index   *leveldb.DB
}

// indexRecord is what the durable leveldb index stores per share hash: the
// encoded share plus the bookkeeping needed to reconstruct a sharechain
// Entry on replay without re-deriving AbsWork from scratch.
type indexRecord struct {
	Predecessor chainhash.Hash
	AbsHeight   uint64
	AbsWork     []byte // big-endian, variable length
	Verified    bool
	InsertedAt  int64
	Raw         []byte // the encoded wire.Share
}

// Open creates (or reopens) a spool rooted at dataDir, creating the archive
// directory and durable index if they don't already exist.
func Open(dataDir string) (*Spool, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("spool: create archive dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dataDir, shareLogName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open share log: %w", err)
	}

	db, err := leveldb.OpenFile(filepath.Join(dataDir, indexDirName), nil)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("spool: open share index: %w", err)
	}

	return &Spool{dataDir: dataDir, logFile: logFile, index: db}, nil
}

// Close releases the log file and index handles.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logErr := s.logFile.Close()
	idxErr := s.index.Close()
	if logErr != nil {
		return logErr
	}
	return idxErr
}

// writeRecord appends a single length-prefixed record to w: a 4-byte
// little-endian length followed by the payload, the way every other
// append-only log in this codebase's ancestry frames variable-length
// records on local disk (distinct from the network wire varint scheme,
// which optimizes for small values over large lists).
func writeRecord(w *os.File, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Append durably records a newly-inserted share: it is written to the
// working append log immediately and its bookkeeping is indexed in leveldb,
// where archival later reads its verified flag and insertion time.
func (s *Spool) Append(e *sharechain.Entry) error {
	rec := indexRecord{
		Predecessor: e.Predecessor,
		AbsHeight:   e.AbsHeight,
		AbsWork:     e.AbsWork.Bytes(),
		Verified:    e.Verified,
		InsertedAt:  e.InsertedAt.Unix(),
		Raw:         e.Raw,
	}
	buf := encodeIndexRecord(&rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeRecord(s.logFile, e.Raw); err != nil {
		return fmt.Errorf("spool: append share log: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("spool: sync share log: %w", err)
	}
	if err := s.index.Put(e.Hash[:], buf, nil); err != nil {
		return fmt.Errorf("spool: index share: %w", err)
	}
	return nil
}

// Replay reads every record in the working share log, in file order, and
// inserts each into tracker. The first record with no known predecessor in
// tracker is treated as genesis (§4.9: "the log is replayed into C2 in
// order"). A truncated final record (a crash mid-append) is tolerated: it is
// simply ignored, since the corresponding share was never fully durable.
func (s *Spool) Replay(tracker *sharechain.Tracker, accepted []uint16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.logFile.Seek(0, 0); err != nil {
		return 0, err
	}
	r := bufio.NewReader(s.logFile)

	var zero chainhash.Hash
	count := 0
	for {
		raw, err := readRecord(r)
		if err != nil {
			break // EOF, or a truncated trailing record from a prior crash
		}
		share, err := wire.DecodeShare(raw, accepted)
		if err != nil {
			log.Warnf("spool: skipping undecodable share log record: %v", err)
			continue
		}

		entry := &sharechain.Entry{
			Hash:        share.Hash(),
			Predecessor: share.Info.PreviousShareHash,
			AbsHeight:   share.Info.AbsHeight,
			Share:       share,
			Raw:         raw,
			Verified:    true,
			InsertedAt:  time.Now(),
		}

		var insertErr error
		if entry.Predecessor == zero || tracker.Len() == 0 {
			insertErr = tracker.InsertGenesis(entry)
		} else {
			insertErr = tracker.Insert(entry)
		}
		if insertErr != nil && insertErr != sharechain.ErrOrphan {
			log.Warnf("spool: replay insert %s: %v", entry.Hash, insertErr)
			continue
		}
		count++
	}

	if _, err := s.logFile.Seek(0, 2); err != nil {
		return count, err
	}
	log.Infof("spool: replayed %d shares from %s", count, shareLogName)
	return count, nil
}

// Prune archives every hash in removed to a timestamped, human-inspectable
// archive file, then atomically rewrites the working share log to contain
// only the entries tracker still retains (§4.9: "entries older than
// RETENTION... are moved to timestamped archive files... and dropped from
// the working log").
func (s *Spool) Prune(tracker *sharechain.Tracker, removed []chainhash.Hash, now time.Time) error {
	if len(removed) == 0 {
		return nil
	}

	if err := s.archive(removed, now); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range removed {
		_ = s.index.Delete(h[:], nil)
	}
	return s.compactLocked(tracker, removed)
}

// archive appends one line per removed share to a fresh timestamped file
// under share_archive/, formatted "<hash> <unix_timestamp> <verified>" per
// §4.9's minimum archive format. Writing the file with a temp-then-rename
// sequence keeps the operation interruptible without corrupting a
// partially-written archive (§4.9: "writes are atomic-rename or
// append-only").
func (s *Spool) archive(removed []chainhash.Hash, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, archiveDir, fmt.Sprintf("shares_%d.txt", now.Unix()))
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("spool: create archive: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, h := range removed {
		rec, err := s.index.Get(h[:], nil)
		verified := true
		ts := now.Unix()
		if err == nil {
			decoded, derr := decodeIndexRecord(rec)
			if derr == nil {
				verified = decoded.Verified
				ts = decoded.InsertedAt
			}
		}
		if _, err := fmt.Fprintf(w, "%s %d %d\n", hex.EncodeToString(h[:]), ts, boolToInt(verified)); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("spool: write archive line: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("spool: rename archive into place: %w", err)
	}
	log.Infof("spool: archived %d shares to %s", len(removed), path)
	return nil
}

// compactLocked rewrites the working share log to contain exactly
// tracker's currently retained entries other than those in removed, via a
// temp file plus fsync plus rename so a crash mid-compaction never leaves a
// half-written log in place (§4.9 idempotent, interruptible archival).
func (s *Spool) compactLocked(tracker *sharechain.Tracker, removed []chainhash.Hash) error {
	drop := make(map[chainhash.Hash]struct{}, len(removed))
	for _, h := range removed {
		drop[h] = struct{}{}
	}

	tmpPath := filepath.Join(s.dataDir, shareLogName+".compact")
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("spool: create compaction temp file: %w", err)
	}

	tip, ok := tracker.BestTip()
	if ok {
		chain := tracker.GetChain(tip, int(tracker.Len())+1)
		for i := len(chain) - 1; i >= 0; i-- {
			if _, skip := drop[chain[i].Hash]; skip {
				continue
			}
			if err := writeRecord(tmp, chain[i].Raw); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("spool: write compacted record: %w", err)
			}
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := syncDir(s.dataDir); err != nil {
		log.Warnf("spool: fsync data dir before rename: %v", err)
	}
	finalPath := filepath.Join(s.dataDir, shareLogName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("spool: rename compacted log into place: %w", err)
	}
	if err := syncDir(s.dataDir); err != nil {
		log.Warnf("spool: fsync data dir after rename: %v", err)
	}

	s.logFile.Close()
	f, err := os.OpenFile(finalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spool: reopen share log after compaction: %w", err)
	}
	s.logFile = f
	return nil
}

// syncDir fsyncs a directory's inode so a subsequent crash cannot observe
// the rename half-applied, using the raw syscall the way POSIX requires
// (Go's os package has no portable directory-fsync wrapper).
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PersistAddrBook periodically (and once on stop) saves mgr to disk,
// implementing §4.9's second persisted resource: "written on clean shutdown
// and periodically (every few minutes)". It runs until stop is closed.
func PersistAddrBook(mgr *addrmgr.Manager, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := mgr.Save(); err != nil {
				log.Warnf("spool: periodic address book save: %v", err)
			}
		case <-stop:
			if err := mgr.Save(); err != nil {
				log.Warnf("spool: final address book save: %v", err)
			}
			return
		}
	}
}

// AddrBookPath returns the conventional addrs.json path under dataDir, for
// wiring addrmgr.New at startup.
func AddrBookPath(dataDir string) string {
	return filepath.Join(dataDir, addrBookName)
}
