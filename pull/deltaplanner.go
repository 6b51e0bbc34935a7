package pull

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/objrepo/pullengine/delta"
	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/store"
	"github.com/objrepo/pullengine/transport"
)

// planDelta implements the Delta Planner (spec §4.6): resolve `from`, fetch
// and verify the superblock, and dispatch its fallback objects and parts.
// Returns (planned, err); planned is false when the planner fell back to
// enqueueing a plain commit scan (missing superblock, deltas disabled).
func (c *pullContext) planDelta(ctx context.Context, src *Source, remotePrefixedRef string, to objid.Digest) (bool, error) {
	if c.disableStaticDeltas {
		c.queueScan(to, objid.COMMIT, c.opts.Depth)
		return false, nil
	}

	var from objid.Digest
	if remotePrefixedRef != "" {
		d, err := c.store.ResolveRev(ctx, remotePrefixedRef)
		if err == nil {
			from = d
		} else if err != store.ErrRefNotFound {
			return false, newErr(KindIO, "pull: resolving %s for delta planning: %w", remotePrefixedRef, err)
		}
	}

	if !from.IsZero() && from == to {
		// Already up to date: no delta to fetch, fall back to the plain
		// scan path without ever issuing a superblock GET.
		c.queueScan(to, objid.COMMIT, c.opts.Depth)
		return false, nil
	}

	path := delta.RelativeSuperblockPath(from, to)
	raw, err := c.fetchDeltaPart(ctx, src, path, transport.PriorityMetadata)
	if err != nil {
		if transport.IsNotFound(err) {
			if c.requireStaticDeltas {
				return false, newErr(KindConfiguration, "pull: no static delta %s->%s and require-static-deltas was requested", from, to)
			}
			c.queueScan(to, objid.COMMIT, c.opts.Depth)
			return false, nil
		}
		return false, newErr(KindIO, "pull: fetching delta superblock %s: %w", path, err)
	}

	if c.gpgVerifySummary {
		name := deltaSummaryName(from, to)
		advertised, ok := c.summaryDeltasChecksums[name]
		if !ok {
			return false, newErr(KindTrust, "pull: summary does not advertise delta %s", name)
		}
		if objid.Sum(raw) != advertised {
			return false, newErr(KindTrust, "pull: delta superblock %s checksum does not match summary", name)
		}
	}

	sb, err := delta.DecodeSuperblock(raw)
	if err != nil {
		return false, newErr(KindProtocol, "pull: decoding delta superblock %s: %w", path, err)
	}

	atomic.AddInt64(&c.deltaTotalSuperblks, 1)

	if err := c.planFallbackObjects(ctx, src, sb); err != nil {
		return false, err
	}
	if err := c.planCommit(ctx, sb, from, to); err != nil {
		return false, err
	}
	trustChecksums := c.gpgVerifySummary && c.haveSummarySig
	for i, ph := range sb.Parts {
		if ph.Version > delta.MaxSupportedPartVersion {
			return false, newErr(KindProtocol, "pull: delta part %d has unsupported version %d", i, ph.Version)
		}
		if err := c.planPart(ctx, src, from, to, i, ph, sb, trustChecksums); err != nil {
			return false, err
		}
	}
	return true, nil
}

func deltaSummaryName(from, to objid.Digest) string {
	if from.IsZero() {
		return to.String()
	}
	return from.String() + "-" + to.String()
}

func (c *pullContext) planFallbackObjects(ctx context.Context, src *Source, sb *delta.Superblock) error {
	for _, fo := range sb.FallbackObjs {
		atomic.AddInt64(&c.deltaTotalPartSize, int64(fo.CompressedSize))
		atomic.AddInt64(&c.deltaTotalPartUsize, int64(fo.UncompressedSize))

		if c.dryRun {
			continue
		}

		stored, err := c.store.HasObject(ctx, fo.Digest, fo.Type)
		if err != nil {
			return newErr(KindIO, "pull: checking fallback object %s: %w", fo.Digest, err)
		}
		if stored {
			continue
		}
		c.fetchObject(ctx, src, fo.Digest, fo.Type)
	}
	return nil
}

func (c *pullContext) planCommit(ctx context.Context, sb *delta.Superblock, from, to objid.Digest) error {
	if c.dryRun {
		return nil
	}

	stored, err := c.store.HasObject(ctx, to, objid.COMMIT)
	if err != nil {
		return newErr(KindIO, "pull: checking target commit %s: %w", to, err)
	}
	if stored {
		return nil
	}
	if len(sb.ToCommitBytes) == 0 {
		return newErr(KindProtocol, "pull: delta superblock for %s has no embedded commit", to)
	}

	if meta, ok := sb.ExtraMetadata[delta.CommitmetaKey(from, to)]; ok {
		if err := c.store.WriteCommitDetachedMetadata(ctx, to, meta); err != nil {
			return newErr(KindIO, "pull: writing delta commitmeta for %s: %w", to, err)
		}
	}

	c.addOutstandingWrite(CatMetadata, 1)
	go func() {
		err := c.store.WriteMetadata(ctx, to, objid.COMMIT, sb.ToCommitBytes)
		c.schedule(func() {
			c.addOutstandingWrite(CatMetadata, -1)
			if err != nil {
				c.handleError(newErr(KindTrust, "pull: writing delta target commit %s: %w", to, err))
				return
			}
			c.addFetched(CatMetadata, 1)
			c.queueScan(to, objid.COMMIT, c.opts.Depth)
		})
	}()
	return nil
}

func (c *pullContext) planPart(ctx context.Context, src *Source, from, to objid.Digest, i int, ph delta.PartHeader, sb *delta.Superblock, trustChecksums bool) error {
	atomic.AddInt64(&c.deltaTotalParts, 1)

	allPresent := true
	for _, obj := range ph.Objects {
		stored, err := c.store.HasObject(ctx, obj.Digest, obj.Type)
		if err != nil {
			return newErr(KindIO, "pull: checking delta part %d object %s: %w", i, obj.Digest, err)
		}
		if !stored {
			allPresent = false
			break
		}
	}
	if allPresent {
		atomic.AddInt64(&c.deltaFetchedParts, 1)
		return nil
	}

	atomic.AddInt64(&c.deltaTotalPartSize, int64(ph.CompressedSize))
	atomic.AddInt64(&c.deltaTotalPartUsize, int64(ph.UncompressedSize))
	if c.dryRun {
		return nil
	}

	if inline, ok := sb.ExtraMetadata[delta.InlinePartKey(from, to, i)]; ok {
		c.applyPart(ctx, ph, inline, true)
		return nil
	}

	c.addOutstandingFetch(CatDeltaPart, 1)
	path := delta.RelativePartPath(from, to, i)
	go func() {
		tempPath, err := src.Fetcher.FetchToTemp(ctx, src.BaseURI+"/"+path, transport.Unbounded, transport.PriorityDeltaPart)
		c.schedule(func() {
			c.addOutstandingFetch(CatDeltaPart, -1)
			if err != nil {
				c.handleError(newErr(KindIO, "pull: fetching delta part %d: %w", i, err))
				return
			}
			payload, rerr := os.ReadFile(tempPath)
			os.Remove(tempPath)
			if rerr != nil {
				c.handleError(newErr(KindIO, "pull: reading delta part %d: %w", i, rerr))
				return
			}
			if verr := delta.VerifyPartChecksum(ph, payload); verr != nil {
				c.handleError(newErr(KindTrust, "pull: delta part %d: %w", i, verr))
				return
			}
			c.applyPart(ctx, ph, payload, trustChecksums)
		})
	}()
	return nil
}

func (c *pullContext) applyPart(ctx context.Context, ph delta.PartHeader, payload []byte, trustChecksums bool) {
	c.addOutstandingWrite(CatDeltaPart, 1)
	go func() {
		err := c.applier.ApplyPart(ctx, c.store, ph, payload, trustChecksums)
		c.schedule(func() {
			c.addOutstandingWrite(CatDeltaPart, -1)
			if err != nil {
				c.handleError(newErr(KindTrust, "pull: applying delta part: %w", err))
				return
			}
			atomic.AddInt64(&c.deltaFetchedParts, 1)
		})
	}()
}

// fetchDeltaPart fetches a delta's component (superblock or part) bytes
// over HTTP. For a file:// local remote it always reports not-found, so
// local remotes fall back to the plain commit scan and never use static
// deltas.
func (c *pullContext) fetchDeltaPart(ctx context.Context, src *Source, relPath string, priority transport.Priority) ([]byte, error) {
	if src.Local != nil {
		return nil, &transport.NotFoundError{URI: relPath}
	}
	return src.Fetcher.Stream(ctx, src.BaseURI+"/"+relPath, 64*1024*1024, priority)
}
