// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/p2pool-go/p2pool/chaincfg"
	"github.com/p2pool-go/p2pool/pplns"
	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/work"
)

// ErrNoTemplate is returned by JobFor before the first template refresh.
var ErrNoTemplate = errors.New("stratum: no block template fetched yet")

// TemplateSource supplies fresh parent-chain (and, if merged mining is
// active, auxiliary-chain) block templates. It is implemented by the
// rpcclient package against the real node RPCs; tests supply a fake.
type TemplateSource interface {
	FetchBlockTemplate(ctx context.Context) (*work.BlockTemplate, error)
	FetchAuxTemplate(ctx context.Context) (*work.AuxTemplate, bool, error)
}

// jobEntry is one miner-recipient-specific job plus its bookkeeping.
type jobEntry struct {
	job       *work.Job
	createdAt time.Time
}

// JobManager composes and caches mining jobs. Because each job's coinbase
// commits to a specific miner payout address (and, if merged mining,
// aux-payout address), a single parent-chain template yields one distinct
// job per recipient combination a connected miner has authorized with.
type JobManager struct {
	cfg     *Config
	params  *chaincfg.Params
	tracker *sharechain.Tracker
	source  TemplateSource

	mu            sync.RWMutex
	tmpl          *work.BlockTemplate
	aux           *work.AuxTemplate
	jobs          map[string]*jobEntry // keyed by job.ID
	generation    uint64               // bumped every template refresh
	schemaVersion uint16               // ratcheted by the version-negotiation tally, see Refresh
}

// NewJobManager creates a job manager bound to tracker and params, pulling
// templates from source.
func NewJobManager(cfg *Config, params *chaincfg.Params, tracker *sharechain.Tracker, source TemplateSource) *JobManager {
	return &JobManager{
		cfg:           cfg,
		params:        params,
		tracker:       tracker,
		source:        source,
		jobs:          make(map[string]*jobEntry),
		schemaVersion: cfg.SchemaVersion,
	}
}

// Refresh polls the template source for a new parent-chain (and aux) block
// template. It reports whether the parent tip changed, which callers use to
// decide whether the next mining.notify must carry clean_jobs=true.
func (jm *JobManager) Refresh(ctx context.Context) (tipChanged bool, err error) {
	tmpl, err := jm.source.FetchBlockTemplate(ctx)
	if err != nil {
		return false, err
	}
	aux, auxActive, err := jm.source.FetchAuxTemplate(ctx)
	if err != nil {
		return false, err
	}
	if !auxActive {
		aux = nil
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	tipChanged = jm.tmpl == nil || jm.tmpl.PrevHash != tmpl.PrevHash
	jm.tmpl = tmpl
	jm.aux = aux
	if tipChanged {
		jm.jobs = make(map[string]*jobEntry)
		jm.generation++
	}

	// Re-tally desired_version support across the PPLNS window every
	// refresh; NextSchemaVersion only ever moves schemaVersion forward, so
	// an activated version is never abandoned by a later dip in support.
	if tip, ok := jm.tracker.BestTip(); ok {
		jm.schemaVersion = pplns.NextSchemaVersion(jm.tracker, jm.params, tip, jm.schemaVersion, jm.params.AcceptedVersions)
	}
	return tipChanged, nil
}

// recipientKey identifies one distinct coinbase-payout combination.
func recipientKey(payoutScript, auxPayoutScript []byte, donationFraction, desiredVersion uint16) string {
	return hex.EncodeToString(payoutScript) + "|" + hex.EncodeToString(auxPayoutScript) + "|" +
		strconv.Itoa(int(donationFraction)) + "|" + strconv.Itoa(int(desiredVersion))
}

// JobFor returns the current job for one miner's recipient combination,
// composing and caching it against the latest template if not already
// built. The job's own CleanJobs flag is false; the server sets clean_jobs
// per connection, on its first job and after each template generation
// change.
func (jm *JobManager) JobFor(payoutScript, auxPayoutScript []byte, donationFraction, desiredVersion uint16) (*work.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.tmpl == nil {
		return nil, ErrNoTemplate
	}

	key := recipientKey(payoutScript, auxPayoutScript, donationFraction, desiredVersion)
	if entry, ok := jm.jobs[key]; ok {
		return entry.job, nil
	}

	job, err := work.Compose(jm.tracker, jm.params, jm.cfg.DonationScript, jm.tmpl, jm.aux,
		jm.cfg.Extranonce1Len, jm.cfg.Extranonce2Len, payoutScript, auxPayoutScript,
		donationFraction, desiredVersion, jm.schemaVersion, false)
	if err != nil {
		return nil, err
	}

	jm.jobs[key] = &jobEntry{job: job, createdAt: time.Now()}
	return job, nil
}

// Lookup returns a previously composed job by id, for C7's job-id lookup,
// rejecting ids older than cfg.JobExpiry.
func (jm *JobManager) Lookup(id string) (*work.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, entry := range jm.jobs {
		if entry.job.ID != id {
			continue
		}
		if time.Since(entry.createdAt) > jm.cfg.JobExpiry {
			return nil, false
		}
		return entry.job, true
	}
	return nil, false
}

// Generation returns the template-refresh counter: it changes exactly when
// the parent tip changes, so callers can tell whether a connection's
// last-sent job is now stale and needs clean_jobs=true.
func (jm *JobManager) Generation() uint64 {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.generation
}

// CurrentPrevHash returns the parent-chain tip the active template builds
// on, for diagnostics and tests.
func (jm *JobManager) CurrentPrevHash() (chainhash.Hash, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if jm.tmpl == nil {
		return chainhash.Hash{}, false
	}
	return jm.tmpl.PrevHash, true
}
