// Package pull implements the pull engine (spec §1-§9): reference
// resolution, summary/signature acquisition, remote configuration
// discovery, recursive object-graph scanning, object and delta-part
// fetching, signature/checksum verification, transactional commit, and
// progress reporting.
package pull

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/objrepo/pullengine/delta"
	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/progress"
	"github.com/objrepo/pullengine/store"
	"github.com/objrepo/pullengine/trust"
	"go.uber.org/zap"
)

// FetchCategory indexes the four counter arrays on pullContext (spec §3).
type FetchCategory int

const (
	CatMetadata FetchCategory = iota
	CatContent
	CatDeltaPart
	CatDeltaSuper
	CatRef
	CatSummary
	CatSummarySig
	CatConfig
	CatMetalink

	numCategories = int(objid.MaxFetchTypes)
)

// scanItem is one entry of the FIFO scan queue (spec §3).
type scanItem struct {
	digest objid.Digest
	typ    objid.Type
	depth  int
}

// pullContext holds all mutable engine state (spec §3 "Pull Context"). All
// mutation happens on the loop goroutine; other goroutines only ever send
// completion closures over completions, never touch these fields directly
// (spec §5 "no shared-memory data races because no state is touched
// off-thread").
type pullContext struct {
	remote  string
	baseURI string
	log     *zap.Logger

	store          store.Store
	verifier       trust.Verifier
	applier        delta.Applier
	haveSummarySig bool

	rootCtx context.Context
	cancel  context.CancelFunc

	opts Options

	// Counter arrays, indexed by FetchCategory (spec §3).
	outstandingFetches [numCategories]int64
	outstandingWrites  [numCategories]int64
	fetched            [numCategories]int64
	requested          [numCategories]int64

	scanQueue []scanItem
	idleArmed bool

	requestedMetadata map[objid.Digest]struct{}
	requestedContent  map[objid.Digest]struct{}
	scannedMetadata   map[objid.Key]struct{}
	nScannedMetadata  int64

	commitToDepth         map[objid.Digest]int
	requestedRefsToFetch  map[string]objid.Digest
	commitsToFetch        map[objid.Digest]struct{}
	expectedCommitSizes   map[objid.Digest]uint64
	summaryDeltasChecksums map[string]objid.Digest
	staticDeltaSuperblocks []*delta.Superblock

	deltaFetchedParts   int64
	deltaTotalParts     int64
	deltaTotalPartSize  int64
	deltaTotalPartUsize int64
	deltaTotalSuperblks int64

	subdir string

	isMirror                bool
	isCommitOnly             bool
	isUntrusted              bool
	dryRun                   bool
	requireStaticDeltas      bool
	disableStaticDeltas      bool
	gpgVerify                bool
	gpgVerifySummary         bool
	fetchOnlySummary         bool
	hasTombstoneCommits      bool
	commitpartialExists      bool
	legacyTransactionResuming bool

	caughtError bool
	storedErr   error

	bytesTransferred func() int64
	startTime        time.Time

	reporter *progress.Reporter

	completions chan func()

	txn store.Transaction

	// resolvedRefs accumulates ref -> target commit for the refs this pull
	// actually resolved, so the driver can SetRef on success (spec §6).
	resolvedRefs map[string]objid.Digest
}

func newPullContext(rootCtx context.Context, remote, baseURI string, st store.Store, log *zap.Logger, opts Options) *pullContext {
	ctx, cancel := context.WithCancel(rootCtx)
	pc := &pullContext{
		remote:  remote,
		baseURI: baseURI,
		log:     log,
		store:   st,
		rootCtx: ctx,
		cancel:  cancel,
		opts:    opts,

		requestedMetadata:      make(map[objid.Digest]struct{}),
		requestedContent:       make(map[objid.Digest]struct{}),
		scannedMetadata:        make(map[objid.Key]struct{}),
		commitToDepth:          make(map[objid.Digest]int),
		requestedRefsToFetch:   make(map[string]objid.Digest),
		commitsToFetch:         make(map[objid.Digest]struct{}),
		expectedCommitSizes:    make(map[objid.Digest]uint64),
		summaryDeltasChecksums: make(map[string]objid.Digest),
		resolvedRefs:           make(map[string]objid.Digest),

		isMirror:            opts.isMirror(),
		isCommitOnly:        opts.isCommitOnly(),
		isUntrusted:         opts.isUntrusted(),
		dryRun:              opts.DryRun,
		requireStaticDeltas: opts.RequireStaticDeltas,
		disableStaticDeltas: opts.DisableStaticDeltas,
		gpgVerify:           opts.GPGVerify,
		gpgVerifySummary:    opts.GPGVerifySummary,
		subdir:              opts.Subdir,

		startTime:   time.Now(),
		completions: make(chan func(), 64),
	}
	return pc
}

// isIdle implements spec §4.1 invariant 4: the scan queue is empty and
// every category's outstanding counters are zero (plus, in dry-run mode,
// the progress reporter has ticked at least once).
func (c *pullContext) isIdle() bool {
	if len(c.scanQueue) != 0 {
		return false
	}
	for i := 0; i < numCategories; i++ {
		if atomic.LoadInt64(&c.outstandingFetches[i]) != 0 || atomic.LoadInt64(&c.outstandingWrites[i]) != 0 {
			return false
		}
	}
	if c.dryRun && c.reporter != nil && !c.reporter.HasEmittedDryRunProgress() {
		return false
	}
	return true
}

// addOutstandingFetch/addOutstandingWrite/addFetched/addRequested mutate
// the per-category counters. They are called from the loop goroutine (the
// single writer); progress.Source.Snapshot, running on the reporter's own
// goroutine, reads them atomically (spec §9: the reporter is a timer owned
// by the context, not a process-global sink, but its tick still crosses a
// goroutine boundary to read live counters).
func (c *pullContext) addOutstandingFetch(cat FetchCategory, delta int64) {
	atomic.AddInt64(&c.outstandingFetches[cat], delta)
}
func (c *pullContext) addOutstandingWrite(cat FetchCategory, delta int64) {
	atomic.AddInt64(&c.outstandingWrites[cat], delta)
}
func (c *pullContext) addFetched(cat FetchCategory, delta int64) {
	atomic.AddInt64(&c.fetched[cat], delta)
}
func (c *pullContext) addRequested(cat FetchCategory, delta int64) {
	atomic.AddInt64(&c.requested[cat], delta)
}
func (c *pullContext) addScanned(delta int64) {
	atomic.AddInt64(&c.nScannedMetadata, delta)
}

// handleError implements spec §4.1's error latch: the first error wins,
// everything after it is dropped, and cancellation fans out immediately.
func (c *pullContext) handleError(err error) {
	if err == nil {
		return
	}
	if c.caughtError {
		return
	}
	c.caughtError = true
	c.storedErr = err
	c.cancel()
}

// queueScan appends to the FIFO scan queue, which runLoop pops from when no
// completion is ready (spec §4.7). A no-op in dry-run mode.
func (c *pullContext) queueScan(digest objid.Digest, typ objid.Type, depth int) {
	if c.dryRun {
		return
	}
	c.scanQueue = append(c.scanQueue, scanItem{digest: digest, typ: typ, depth: depth})
}

func (c *pullContext) popScan() (scanItem, bool) {
	if len(c.scanQueue) == 0 {
		return scanItem{}, false
	}
	item := c.scanQueue[0]
	c.scanQueue = c.scanQueue[1:]
	return item, true
}

// schedule delivers fn to run on the loop goroutine. Called from any
// goroutine that completes an async I/O operation (spec §9 "each
// asynchronous operation carries a small owned fetch state record...
// releases it on exit").
func (c *pullContext) schedule(fn func()) {
	select {
	case c.completions <- fn:
	case <-c.rootCtx.Done():
		// Engine is tearing down; drop the completion. Its effects (if
		// any) are discarded per spec §5 "already-started writes complete
		// and then observe the latched error; their results are
		// discarded."
	}
}

// Snapshot implements progress.Source. It is invoked from the reporter's
// own goroutine; every field it reads is mutated only via atomic ops from
// the loop goroutine (see addOutstandingFetch et al.), so no lock is
// needed.
func (c *pullContext) Snapshot() progress.Status {
	var outF, outW, fetched, requested int64
	for i := 0; i < numCategories; i++ {
		outF += atomic.LoadInt64(&c.outstandingFetches[i])
		outW += atomic.LoadInt64(&c.outstandingWrites[i])
		fetched += atomic.LoadInt64(&c.fetched[i])
		requested += atomic.LoadInt64(&c.requested[i])
	}
	var bt int64
	if c.bytesTransferred != nil {
		bt = c.bytesTransferred()
	}
	return progress.Status{
		OutstandingFetches:    outF,
		OutstandingWrites:     outW,
		Fetched:               fetched,
		Requested:             requested,
		ScannedMetadata:       atomic.LoadInt64(&c.nScannedMetadata),
		BytesTransferred:      bt,
		StartTime:             c.startTime,
		FetchedDeltaParts:     atomic.LoadInt64(&c.deltaFetchedParts),
		TotalDeltaParts:       atomic.LoadInt64(&c.deltaTotalParts),
		TotalDeltaPartSize:    atomic.LoadInt64(&c.deltaTotalPartSize),
		TotalDeltaPartUsize:   atomic.LoadInt64(&c.deltaTotalPartUsize),
		TotalDeltaSuperblocks: atomic.LoadInt64(&c.deltaTotalSuperblks),
	}
}
