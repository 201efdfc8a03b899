// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sharechain implements the chain store (C2): an indexed, forkable
// DAG of shares with cumulative-work best-tip selection, bounded-window
// retention, and orphan resolution. It owns no I/O; callers persist and
// replay through the spool package.
package sharechain

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/wire"
)

// Tracker errors, returned by Insert. All but ErrOrphan indicate the caller
// should not retry with the same share.
var (
	// ErrDuplicate is returned when the share hash is already indexed.
	ErrDuplicate = errors.New("sharechain: duplicate share")

	// ErrOrphan is returned when the predecessor is not yet known. The
	// entry is queued and will be inserted automatically once the
	// predecessor arrives.
	ErrOrphan = errors.New("sharechain: predecessor unknown")

	// ErrAbove is returned when an ancestor of the share is marked
	// known-invalid.
	ErrAbove = errors.New("sharechain: descends from an invalid share")
)

// Entry is a chain store record: the decoded share plus the local
// bookkeeping the tracker needs (ยง3 "Chain store entry").
type Entry struct {
	Hash         chainhash.Hash
	Predecessor  chainhash.Hash
	AbsHeight    uint64
	AbsWork      *big.Int
	Share        *wire.Share
	Raw          []byte
	Verified     bool
	KnownInvalid bool
	InsertedAt   time.Time
}

// shareWork returns 2^256 / target(S), the share's expected-attempts work
// contribution (ยง3, GLOSSARY "Cumulative work").
func shareWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Lsh(big.NewInt(1), 256)
	return new(big.Int).Div(numerator, new(big.Int).Add(target, big.NewInt(1)))
}

// CompactToBig converts the compact "bits" difficulty representation to a
// big.Int target, matching the parent chain's own encoding exactly.
func CompactToBig(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint8(bits >> 24)

	var result *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		result = big.NewInt(int64(mantissa))
	} else {
		result = big.NewInt(int64(mantissa))
		result.Lsh(result, uint(8*(exponent-3)))
	}
	return result
}

// Tracker indexes every retained share by hash and memoizes cumulative work
// per entry. Ancestry walks (CommonAncestor, ReorgRange, GetChain) all
// follow Entry.Predecessor backward from a tip; nothing in this package or
// its callers needs a forward child index.
type Tracker struct {
	params *chaincfg.Params

	mu      sync.Mutex
	entries map[chainhash.Hash]*Entry
	tips    map[chainhash.Hash]struct{}
	orphans map[chainhash.Hash][]*Entry // keyed by missing predecessor

	// onInsert, if set, is invoked (with the lock held) after every
	// successful Insert/InsertGenesis. cmd/p2pool uses it to durably
	// append the entry to the spool without this package taking any I/O
	// dependency of its own.
	onInsert func(*Entry)

	// onContextVerify, if set, is invoked with the lock released for any
	// entry reaching insertLocked with Verified still false and a
	// now-known predecessor (ยง4.3 contextual verification) — both the
	// first insert attempt when CheapVerify alone preceded it, and an
	// orphan resolved later once its predecessor finally arrives. This
	// closes the gap where an orphan admitted via resolveOrphans would
	// otherwise skip contextual verification entirely. p2p.Server wires
	// validate.ContextVerify here; the hook may call back into the
	// Tracker's accessors (the tracker's lock is not held during the call).
	onContextVerify func(*Entry) error
}

// SetInsertHook registers fn to be called after every successful insert.
// Only one hook is supported; a later call replaces the previous one.
func (t *Tracker) SetInsertHook(fn func(*Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInsert = fn
}

// SetContextVerifyHook registers fn to be run against any entry whose
// predecessor has just become known but which has not yet been marked
// Verified (ยง4.3). Only one hook is supported; a later call replaces the
// previous one.
func (t *Tracker) SetContextVerifyHook(fn func(*Entry) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onContextVerify = fn
}

// New creates an empty Tracker for the given network parameters.
func New(params *chaincfg.Params) *Tracker {
	return &Tracker{
		params:  params,
		entries: make(map[chainhash.Hash]*Entry),
		tips:    make(map[chainhash.Hash]struct{}),
		orphans: make(map[chainhash.Hash][]*Entry),
	}
}

// Get returns the entry for hash, if retained.
func (t *Tracker) Get(hash chainhash.Hash) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hash]
	return e, ok
}

// Len returns the number of retained entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// InsertGenesis inserts the first entry of a chain, which has no
// predecessor requirement.
func (t *Tracker) InsertGenesis(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.Hash]; exists {
		return ErrDuplicate
	}
	if e.AbsWork == nil {
		e.AbsWork = shareWork(e.Share.Info.Bits)
	}
	t.entries[e.Hash] = e
	t.tips[e.Hash] = struct{}{}
	t.resolveOrphans(e.Hash)
	t.notifyInserted(e)
	return nil
}

// Insert adds a share to the tracker (ยง4.2). On ErrOrphan the entry is
// queued and automatically inserted once its predecessor arrives — the
// caller does not need to retry it explicitly, but Insert's return value
// still reports ErrOrphan so the caller can, e.g., request the predecessor
// from the network.
func (t *Tracker) Insert(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(e)
}

func (t *Tracker) insertLocked(e *Entry) error {
	if _, exists := t.entries[e.Hash]; exists {
		return ErrDuplicate
	}

	pred, ok := t.entries[e.Predecessor]
	if !ok {
		t.orphans[e.Predecessor] = append(t.orphans[e.Predecessor], e)
		return ErrOrphan
	}
	if pred.KnownInvalid {
		e.KnownInvalid = true
		t.entries[e.Hash] = e
		return ErrAbove
	}

	if !e.Verified && t.onContextVerify != nil {
		// The hook (validate.ContextVerify) reads the tracker through its
		// own public, locking accessors, so it must run with t.mu released
		// or it deadlocks against itself. This briefly exposes a partial
		// view of the tracker to other goroutines; the entry and its
		// predecessor are re-checked below once the lock is retaken.
		hook := t.onContextVerify
		t.mu.Unlock()
		err := hook(e)
		t.mu.Lock()

		if _, exists := t.entries[e.Hash]; exists {
			return ErrDuplicate
		}
		if err != nil {
			e.KnownInvalid = true
			t.entries[e.Hash] = e
			log.Warnf("share %s failed contextual verification on orphan resolution: %v", e.Hash, err)
			return err
		}
		e.Verified = true

		pred, ok = t.entries[e.Predecessor]
		if !ok {
			t.orphans[e.Predecessor] = append(t.orphans[e.Predecessor], e)
			return ErrOrphan
		}
		if pred.KnownInvalid {
			e.KnownInvalid = true
			t.entries[e.Hash] = e
			return ErrAbove
		}
	}

	if e.AbsWork == nil {
		e.AbsWork = new(big.Int).Add(pred.AbsWork, shareWork(e.Share.Info.Bits))
	}

	t.entries[e.Hash] = e
	delete(t.tips, e.Predecessor)
	t.tips[e.Hash] = struct{}{}

	t.resolveOrphans(e.Hash)
	t.notifyInserted(e)
	log.Debugf("inserted share %s at height %d", e.Hash, e.AbsHeight)
	return nil
}

// notifyInserted calls the registered insert hook, if any. Called with the
// lock held, matching every other mutation in this file; hooks must not
// call back into the Tracker.
func (t *Tracker) notifyInserted(e *Entry) {
	if t.onInsert != nil {
		t.onInsert(e)
	}
}

// resolveOrphans inserts any queued entries whose predecessor is `hash`,
// recursively unblocking their own descendants in turn.
func (t *Tracker) resolveOrphans(hash chainhash.Hash) {
	pending := t.orphans[hash]
	if len(pending) == 0 {
		return
	}
	delete(t.orphans, hash)
	for _, e := range pending {
		// Ignore the error: a re-queued orphan (still missing its own
		// predecessor) is handled by the recursive call this makes.
		_ = t.insertLocked(e)
	}
}

// BestTip returns the tip with maximum cumulative work. Ties are broken by
// higher AbsHeight, then by lexicographically lower hash (ยง4.2). Whether a
// live network actually ties on "first seen" instead is an open question
// recorded in DESIGN.md; this implementation follows the written rule.
func (t *Tracker) BestTip() (chainhash.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bestTipLocked()
}

func (t *Tracker) bestTipLocked() (chainhash.Hash, bool) {
	var best chainhash.Hash
	var bestEntry *Entry
	found := false

	for h := range t.tips {
		e := t.entries[h]
		if e.KnownInvalid {
			continue
		}
		if !found {
			best, bestEntry, found = h, e, true
			continue
		}
		if better(e, h, bestEntry, best) {
			best, bestEntry = h, e
		}
	}
	return best, found
}

func better(a *Entry, aHash chainhash.Hash, b *Entry, bHash chainhash.Hash) bool {
	if cmp := a.AbsWork.Cmp(b.AbsWork); cmp != 0 {
		return cmp > 0
	}
	if a.AbsHeight != b.AbsHeight {
		return a.AbsHeight > b.AbsHeight
	}
	return bytes.Compare(aHash[:], bHash[:]) < 0
}

// GetChain returns up to n entries ending at tip, newest-first. The slice
// is shorter than n if fewer ancestors exist (e.g. near genesis or past the
// retained window).
func (t *Tracker) GetChain(tip chainhash.Hash, n int) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Entry, 0, n)
	h := tip
	for i := 0; i < n; i++ {
		e, ok := t.entries[h]
		if !ok {
			break
		}
		out = append(out, e)
		if e.Predecessor == (chainhash.Hash{}) {
			break
		}
		h = e.Predecessor
	}
	return out
}

// AncestorAt returns the hash `depth` shares behind hash (0 returns hash
// itself). If genesis is reached within depth shares, the genesis hash is
// returned; false is returned only when an entry along the way is not
// retained. Used to compute a share's far_share_hash checkpoint (ยง3
// invariant 7).
func (t *Tracker) AncestorAt(hash chainhash.Hash, depth uint64) (chainhash.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := hash
	for i := uint64(0); i < depth; i++ {
		e, ok := t.entries[h]
		if !ok {
			return chainhash.Hash{}, false
		}
		if e.Predecessor == (chainhash.Hash{}) {
			return h, true
		}
		h = e.Predecessor
	}
	if _, ok := t.entries[h]; !ok {
		return chainhash.Hash{}, false
	}
	return h, true
}

// CommonAncestor walks both chains back to their first shared hash.
func (t *Tracker) CommonAncestor(h1, h2 chainhash.Hash) (chainhash.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[chainhash.Hash]struct{})
	for h := h1; ; {
		seen[h] = struct{}{}
		e, ok := t.entries[h]
		if !ok || e.Predecessor == (chainhash.Hash{}) {
			break
		}
		h = e.Predecessor
	}

	for h := h2; ; {
		if _, ok := seen[h]; ok {
			return h, true
		}
		e, ok := t.entries[h]
		if !ok || e.Predecessor == (chainhash.Hash{}) {
			break
		}
		h = e.Predecessor
	}
	return chainhash.Hash{}, false
}

// ReorgRange returns the shares to disconnect (old branch, newest-first)
// and connect (new branch, oldest-first) to move the tip from oldTip to
// newTip.
func (t *Tracker) ReorgRange(oldTip, newTip chainhash.Hash) (disconnect, connect []chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ancestor, ok := t.commonAncestorLocked(oldTip, newTip)
	if !ok {
		return nil, nil
	}

	for h := oldTip; h != ancestor; {
		disconnect = append(disconnect, h)
		e := t.entries[h]
		h = e.Predecessor
	}

	var forward []chainhash.Hash
	for h := newTip; h != ancestor; {
		forward = append(forward, h)
		e := t.entries[h]
		h = e.Predecessor
	}
	for i := len(forward) - 1; i >= 0; i-- {
		connect = append(connect, forward[i])
	}
	return disconnect, connect
}

func (t *Tracker) commonAncestorLocked(h1, h2 chainhash.Hash) (chainhash.Hash, bool) {
	seen := make(map[chainhash.Hash]struct{})
	for h := h1; ; {
		seen[h] = struct{}{}
		e, ok := t.entries[h]
		if !ok || e.Predecessor == (chainhash.Hash{}) {
			break
		}
		h = e.Predecessor
	}
	for h := h2; ; {
		if _, ok := seen[h]; ok {
			return h, true
		}
		e, ok := t.entries[h]
		if !ok || e.Predecessor == (chainhash.Hash{}) {
			break
		}
		h = e.Predecessor
	}
	return chainhash.Hash{}, false
}

// Depth returns how many shares separate hash from tip, or -1 if hash is
// not an ancestor of tip within the retained window.
func (t *Tracker) Depth(tip, hash chainhash.Hash) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	depth := 0
	for h := tip; ; depth++ {
		if h == hash {
			return depth
		}
		e, ok := t.entries[h]
		if !ok || e.Predecessor == (chainhash.Hash{}) {
			return -1
		}
		h = e.Predecessor
	}
}

// Prune removes entries whose depth from bestTip exceeds RETENTION,
// including side-branch entries older than RETENTION, and returns the
// hashes removed so the caller (C9) can archive them. Archival itself is
// delegated to the spool package.
func (t *Tracker) Prune(bestTip chainhash.Hash) []chainhash.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()

	retention := t.params.RetentionShares()

	keep := make(map[chainhash.Hash]struct{})
	h := bestTip
	for i := uint64(0); i <= retention; i++ {
		e, ok := t.entries[h]
		if !ok {
			break
		}
		keep[h] = struct{}{}
		if e.Predecessor == (chainhash.Hash{}) {
			break
		}
		h = e.Predecessor
	}

	var removed []chainhash.Hash
	for hash := range t.entries {
		if _, ok := keep[hash]; ok {
			continue
		}
		// Side-branch entries are retained only while at least one of
		// their descendants (or themselves) is within the window; a
		// simple sufficient rule is "not an ancestor of the kept best
		// chain within retention" which the keep-set above already
		// encodes for the best chain. Side branches are pruned once
		// their own depth from the tip of their branch exceeds
		// retention too.
		if t.branchDepthExceeds(hash, retention) {
			removed = append(removed, hash)
			delete(t.entries, hash)
			delete(t.tips, hash)
		}
	}
	if len(removed) > 0 {
		log.Debugf("pruned %d shares beyond retention depth %d", len(removed), retention)
	}
	return removed
}

func (t *Tracker) branchDepthExceeds(hash chainhash.Hash, retention uint64) bool {
	e, ok := t.entries[hash]
	if !ok {
		return true
	}
	// A side-branch share is prunable once it has no children within the
	// window and its own height is far enough behind every tip's height.
	for tipHash := range t.tips {
		tip := t.entries[tipHash]
		if tip.AbsHeight >= e.AbsHeight && tip.AbsHeight-e.AbsHeight <= retention {
			return false
		}
	}
	return true
}
