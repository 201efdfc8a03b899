// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrmgr implements the peer address book (§4.8's `addrs`/`getaddrs`
// bookkeeping): scored, persisted knowledge of share-chain peers, adapted
// from the parent chain's own address manager onto this protocol's simpler
// (host, port) net addresses.
package addrmgr

import (
	"encoding/json"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/p2pool-go/p2pool/wire"
)

const (
	// numMissingDays is how long an address can go without a successful
	// connection before it is considered stale for selection purposes.
	numMissingDays = 30

	// numRetries is the number of attempts after which an address with no
	// success (or none within minBadDays) is declared bad.
	numRetries = 3

	// minBadDays is how many days of no-success is tolerated before an
	// address with retries is declared bad outright.
	minBadDays = 7

	// maxFailures caps the attempts counter used in chance()'s decay so a
	// very old, very-tried address doesn't underflow to zero forever.
	maxFailures = 10
)

// KnownAddress tracks one peer address and the local node's history of
// attempts against it.
type KnownAddress struct {
	na          *wire.NetAddress
	srcAddr     *wire.NetAddress
	attempts    int
	lastattempt time.Time
	lastsuccess time.Time
	tried       bool
	refs        int
}

// NetAddress returns the address itself.
func (ka *KnownAddress) NetAddress() *wire.NetAddress { return ka.na }

// isBad returns true if the address is not worth returning to a peer
// requesting addresses, following the parent chain's own address manager
// heuristics: never-succeeded addresses seen too long ago, or addresses
// with repeated recent failures and no success within minBadDays.
func (ka *KnownAddress) isBad() bool {
	if ka.lastattempt.After(time.Now().Add(-time.Minute)) {
		return false
	}

	// Address from the future is bad.
	if ka.na.LastSeen > time.Now().Add(10*time.Minute).Unix() {
		return true
	}

	// Over a month old never succeeded is bad.
	if ka.na.LastSeen < time.Now().Add(-1*numMissingDays*24*time.Hour).Unix() && ka.lastsuccess.IsZero() {
		return true
	}

	// Never succeeded after numRetries attempts is bad.
	if ka.lastsuccess.IsZero() && ka.attempts >= numRetries {
		return true
	}

	if time.Since(ka.lastsuccess) > minBadDays*24*time.Hour && ka.attempts >= numRetries {
		return true
	}

	return false
}

// chance returns a probability in [0,1] of this address being selected for
// an outbound connection attempt, decaying with repeated failures and cut
// sharply while the last attempt is less than ten minutes old.
func (ka *KnownAddress) chance() float64 {
	c := 1.0

	sinceLast := time.Since(ka.lastattempt)
	if sinceLast < 0 {
		sinceLast = 0
	}
	if sinceLast < 10*time.Minute {
		c *= 0.01
	}

	attempts := ka.attempts
	if attempts > maxFailures {
		attempts = maxFailures
	}
	for i := 0; i < attempts; i++ {
		c *= 0.66
	}

	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// persistedAddr is the JSON-on-disk shape for one known address (§9
// persistent-state on-disk shapes, beyond which the exact file format is
// out of scope).
type persistedAddr struct {
	Host        string    `json:"host"`
	Port        uint16    `json:"port"`
	Services    uint64    `json:"services"`
	LastSeen    int64     `json:"last_seen"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`
}

// Manager is the peer address book: it tracks every address this node has
// learned of (via bootstrap config, `addrs`/`getaddrs`, or a successful
// connection) and scores them for outbound-connection selection.
type Manager struct {
	mu    sync.Mutex
	addrs map[string]*KnownAddress
	path  string
}

// New creates an address manager that persists to path (empty disables
// persistence).
func New(path string) *Manager {
	return &Manager{addrs: make(map[string]*KnownAddress), path: path}
}

func key(na *wire.NetAddress) string {
	return net.JoinHostPort(na.Host, strconv.Itoa(int(na.Port)))
}

// AddAddress records na as learned from src (the peer that reported it, or
// nil for locally-configured bootstrap addresses).
func (m *Manager) AddAddress(na, src *wire.NetAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(na)
	if ka, ok := m.addrs[k]; ok {
		ka.refs++
		if na.LastSeen > ka.na.LastSeen {
			ka.na.LastSeen = na.LastSeen
		}
		return
	}
	m.addrs[k] = &KnownAddress{na: na, srcAddr: src, refs: 1}
}

// Attempt records a connection attempt to addr, successful or not.
func (m *Manager) Attempt(addr *wire.NetAddress, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ka, ok := m.addrs[key(addr)]
	if !ok {
		return
	}
	ka.lastattempt = time.Now()
	if success {
		ka.lastsuccess = time.Now()
		ka.tried = true
		ka.attempts = 0
	} else {
		ka.attempts++
	}
}

// GoodAddresses returns every address not currently considered bad, for
// replying to a peer's `getaddrs`.
func (m *Manager) GoodAddresses() []*wire.NetAddress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*wire.NetAddress, 0, len(m.addrs))
	for _, ka := range m.addrs {
		if !ka.isBad() {
			out = append(out, ka.na)
		}
	}
	return out
}

// GetAddress selects a random address weighted by chance(), for the next
// outbound connection attempt. Returns nil if no address is eligible.
func (m *Manager) GetAddress() *wire.NetAddress {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*KnownAddress
	var weights []float64
	var total float64
	for _, ka := range m.addrs {
		if ka.isBad() {
			continue
		}
		c := ka.chance()
		if c <= 0 {
			continue
		}
		candidates = append(candidates, ka)
		weights = append(weights, c)
		total += c
	}
	if len(candidates) == 0 {
		return nil
	}

	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i].na
		}
	}
	return candidates[len(candidates)-1].na
}

// Len returns the number of known addresses.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.addrs)
}

// Save writes the address book to disk as JSON.
func (m *Manager) Save() error {
	if m.path == "" {
		return nil
	}
	m.mu.Lock()
	out := make([]persistedAddr, 0, len(m.addrs))
	for _, ka := range m.addrs {
		out = append(out, persistedAddr{
			Host: ka.na.Host, Port: ka.na.Port, Services: ka.na.Services,
			LastSeen: ka.na.LastSeen, Attempts: ka.attempts,
			LastAttempt: ka.lastattempt, LastSuccess: ka.lastsuccess,
		})
	}
	m.mu.Unlock()

	buf, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, buf, 0o600)
}

// Load reads a previously saved address book from disk. A missing file is
// not an error: the book simply starts empty.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	buf, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var in []persistedAddr
	if err := json.Unmarshal(buf, &in); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range in {
		na := &wire.NetAddress{Host: p.Host, Port: p.Port, Services: p.Services, LastSeen: p.LastSeen}
		m.addrs[key(na)] = &KnownAddress{
			na: na, attempts: p.Attempts,
			lastattempt: p.LastAttempt, lastsuccess: p.LastSuccess,
			tried: !p.LastSuccess.IsZero(),
			refs:  1,
		}
	}
	return nil
}
