// Package progress implements the Progress Reporter (spec §4.9): a periodic
// timer, owned by the pull context rather than a process-global sink (spec
// §9), that publishes counters to an injected Sink.
package progress

import (
	"context"
	"sync"
	"time"
)

// Status is the full set of counters published on each tick (spec §4.9).
type Status struct {
	OutstandingFetches int64
	OutstandingWrites  int64
	Fetched            int64
	Requested          int64
	ScannedMetadata    int64
	BytesTransferred   int64
	StartTime          time.Time

	FetchedDeltaParts     int64
	TotalDeltaParts       int64
	TotalDeltaPartSize    int64
	TotalDeltaPartUsize   int64
	TotalDeltaSuperblocks int64
}

// Sink receives periodic Status snapshots. The progress sink is named an
// external collaborator in spirit (spec describes it as "an external
// progress sink"); this package ships two: LogSink and PrometheusSink.
type Sink interface {
	Publish(Status)
}

// Source supplies the live Status snapshot on demand; the pull Context
// implements this.
type Source interface {
	Snapshot() Status
}

// Reporter is the timer described in spec §4.9: fires every second in
// normal operation, publishing Source's snapshot to Sink; in dry-run mode it
// fires every 50ms and stops after the first publication that shows work
// outstanding (spec §4.1 invariant 4 and §4.9's dry-run note).
type Reporter struct {
	source Source
	sink   Sink

	mu      sync.Mutex
	stopped bool
	emitted bool // dry_run_emitted_progress, spec §4.9
	done    chan struct{}
}

// NewReporter builds a Reporter. The tick interval is not a parameter: Run
// picks 1s, or 50ms when dryRun is set, and in dry-run mode stops once one
// tick with fetches or delta parts outstanding has been published (spec
// §4.9).
func NewReporter(source Source, sink Sink) *Reporter {
	return &Reporter{source: source, sink: sink, done: make(chan struct{})}
}

// Run drives the reporter until ctx is cancelled or Stop is called. dryRun
// selects the one-shot-then-stop behavior described in spec §4.1/§4.9.
func (r *Reporter) Run(ctx context.Context, dryRun bool) {
	interval := time.Second
	if dryRun {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			status := r.source.Snapshot()
			r.sink.Publish(status)
			if dryRun {
				r.mu.Lock()
				alreadyEmitted := r.emitted
				if status.OutstandingFetches > 0 || status.TotalDeltaParts > 0 {
					r.emitted = true
				}
				emittedNow := r.emitted
				r.mu.Unlock()
				if emittedNow && !alreadyEmitted {
					return
				}
			}
		}
	}
}

// HasEmittedDryRunProgress reports dry_run_emitted_progress (spec §4.1
// invariant 4: termination in dry-run additionally requires this).
func (r *Reporter) HasEmittedDryRunProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

// Stop ends Run early.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		close(r.done)
	}
}
