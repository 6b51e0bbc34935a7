package pull

import (
	"context"
	"strings"

	"github.com/objrepo/pullengine/delta"
	"github.com/objrepo/pullengine/metalink"
	"github.com/objrepo/pullengine/progress"
	"github.com/objrepo/pullengine/store"
	"github.com/objrepo/pullengine/trust"
	"go.uber.org/zap"
)

// Engine bundles the collaborators a pull needs against one destination
// repo: the local object store it writes into, the process-local summary
// cache, the signature verifier, the metalink resolver, and the static
// delta applier. One Engine is typically constructed once per repo and
// reused across pulls (spec §1, §6).
type Engine struct {
	Store    store.Store
	Cache    store.CacheStore
	Verifier trust.Verifier
	Resolver metalink.Resolver
	Applier  delta.Applier
	Log      *zap.Logger
}

func (e *Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e *Engine) applier() delta.Applier {
	if e.Applier != nil {
		return e.Applier
	}
	return delta.Reference{}
}

// noCache is used when an Engine has no summary cache configured; every
// lookup misses and every write is a no-op.
type noCache struct{}

func (noCache) ReadSummary(string) ([]byte, []byte, bool)  { return nil, nil, false }
func (noCache) WriteSummary(string, []byte, []byte, bool) error { return nil }

func (e *Engine) cache() cacheStore {
	if e.Cache != nil {
		return e.Cache
	}
	return noCache{}
}

// PullWithOptions is the pull entry point (spec §6): pulls remote into
// e.Store according to opts, reporting progress to sink. ctx carries
// cancellation (spec §5's single cancellation token).
func (e *Engine) PullWithOptions(ctx context.Context, remote string, src *Source, opts Options, sink progress.Sink) error {
	if err := opts.validate(); err != nil {
		return err
	}

	c := newPullContext(ctx, remote, src.BaseURI, e.Store, e.logger(), opts)
	c.verifier = e.Verifier
	c.applier = e.applier()
	defer c.cancel()

	if src.Fetcher != nil {
		c.bytesTransferred = src.Fetcher.BytesTransferred
	}

	if sink != nil {
		c.reporter = progress.NewReporter(c, sink)
		go c.reporter.Run(c.rootCtx, opts.DryRun)
		defer c.reporter.Stop()
	}

	if err := e.resolveSource(c.rootCtx, src, &opts); err != nil {
		return err
	}

	cfg, err := c.loadConfig(c.rootCtx, src, e.Resolver)
	if err != nil {
		return err
	}

	summary, err := c.fetchSummary(c.rootCtx, src, e.cache(), e.Verifier)
	if err != nil {
		return err
	}
	c.haveSummarySig = summary != nil && len(summary.rawSig) > 0

	resolved, err := c.resolveRefs(c.rootCtx, src, cfg, summary)
	if err != nil {
		return err
	}

	txn, err := e.Store.PrepareTransaction(c.rootCtx)
	if err != nil {
		return newErr(KindIO, "pull: preparing transaction: %w", err)
	}
	c.txn = txn

	remoteForDelta := e.signingRemote(remote, opts)
	for _, rr := range resolved {
		remotePrefixedRef := ""
		if rr.ref != "" {
			remotePrefixedRef = remoteForDelta + "/" + rr.ref
		}
		if _, derr := c.planDelta(c.rootCtx, src, remotePrefixedRef, rr.target); derr != nil {
			c.handleError(derr)
			break
		}
		if c.caughtError {
			break
		}
	}

	if !c.caughtError {
		e.runLoop(c, src)
	}

	if c.caughtError {
		_ = txn.Abort(ctx)
		return c.storedErr
	}

	if opts.DryRun {
		_ = txn.Abort(ctx)
		return nil
	}

	for _, rr := range resolved {
		if rr.ref == "" {
			continue
		}
		refName := rr.ref
		if !c.isMirror {
			refName = remoteForDelta + "/" + rr.ref
		}
		if err := txn.SetRef(ctx, refName, rr.target); err != nil {
			_ = txn.Abort(ctx)
			return newErr(KindIO, "pull: staging ref %s: %w", refName, err)
		}
		c.resolvedRefs[rr.ref] = rr.target
	}

	if err := txn.Commit(ctx); err != nil {
		return newErr(KindIO, "pull: committing transaction: %w", err)
	}

	if !c.isCommitOnly && c.subdir == "" {
		for _, rr := range resolved {
			if err := e.Store.RemoveCommitPartial(ctx, rr.target); err != nil {
				c.log.Warn("pull: failed to remove commitpartial marker", zap.Stringer("commit", rr.target), zapErr(err))
			}
		}
	}

	return nil
}

// RemoteFetchSummaryWithOptions is the summary-only entry point (spec §6):
// it runs the Config and Summary stages and returns their raw bytes without
// entering the object-graph scan/fetch phase.
func (e *Engine) RemoteFetchSummaryWithOptions(ctx context.Context, remote string, src *Source, opts Options) (summaryBytes, sigBytes []byte, err error) {
	c := newPullContext(ctx, remote, src.BaseURI, e.Store, e.logger(), opts)
	c.verifier = e.Verifier
	c.applier = e.applier()
	c.fetchOnlySummary = true
	defer c.cancel()

	if err := e.resolveSource(c.rootCtx, src, &opts); err != nil {
		return nil, nil, err
	}
	if _, err := c.loadConfig(c.rootCtx, src, e.Resolver); err != nil {
		return nil, nil, err
	}
	summary, err := c.fetchSummary(c.rootCtx, src, e.cache(), e.Verifier)
	if err != nil {
		return nil, nil, err
	}
	if summary == nil {
		return nil, nil, nil
	}
	return summary.rawSummary, summary.rawSig, nil
}

// resolveSource applies override-url and metalink indirection before the
// Config Stage runs (spec §6 override-url, §4.4 metalink).
func (e *Engine) resolveSource(ctx context.Context, src *Source, opts *Options) error {
	if opts.OverrideURL != "" {
		src.BaseURI = opts.OverrideURL
		return nil
	}
	if src.Local != nil || e.Resolver == nil {
		return nil
	}
	if !strings.HasSuffix(src.BaseURI, ".metalink") {
		return nil
	}
	res, err := e.Resolver.Resolve(ctx, src.BaseURI)
	if err != nil {
		return newErr(KindConfiguration, "pull: resolving metalink %s: %w", src.BaseURI, err)
	}
	src.BaseURI = res.Mirrors[0]
	return nil
}

func (e *Engine) signingRemote(remote string, opts Options) string {
	if opts.OverrideRemoteName != "" {
		return opts.OverrideRemoteName
	}
	return remote
}

// runLoop drives the cooperative event loop (spec §5): completions are
// serviced as soon as they arrive; the scan queue is drained only once no
// completion is immediately ready, matching the "let I/O drain first, then
// expand the graph" idle-priority policy.
func (e *Engine) runLoop(c *pullContext, src *Source) {
	for {
		select {
		case fn := <-c.completions:
			fn()
			continue
		default:
		}

		item, ok := c.popScan()
		if ok {
			c.scanOne(c.rootCtx, src, item.digest, item.typ, item.depth)
			continue
		}

		if c.isIdle() {
			return
		}

		select {
		case fn := <-c.completions:
			fn()
		case <-c.rootCtx.Done():
			c.handleError(newErr(KindCancelled, "pull: %w", c.rootCtx.Err()))
			return
		}

		if c.caughtError {
			e.drainOnError(c)
			return
		}
	}
}

// drainOnError waits out already-started operations after the error latch
// trips, discarding their results (spec §5 Cancellation: "Already-started
// writes complete and then observe the latched error; their results are
// discarded. Termination waits for all outstanding operations to drain.").
func (e *Engine) drainOnError(c *pullContext) {
	for !c.isIdle() {
		select {
		case fn := <-c.completions:
			fn()
		case <-c.rootCtx.Done():
			return
		}
	}
}

