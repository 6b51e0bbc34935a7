package pull

import (
	"context"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/transport"
	"github.com/objrepo/pullengine/trust"
	"github.com/objrepo/pullengine/wire"
)

// summaryResult carries what the Summary Stage produces back to the driver
// (spec §4.3).
type summaryResult struct {
	summary    *wire.Summary // nil if the remote has none
	rawSummary []byte
	rawSig     []byte
}

// fetchSummary implements the Summary Stage (spec §4.3): fetch
// summary.sig, verify the gpg_verify_summary precondition, try the cache,
// fetch summary if needed, write the cache, verify the signature, and
// decode. Synchronous from the caller's point of view (the driver calls it
// before entering the main event loop, matching the original's blocking
// summary fetch ahead of the async object graph walk).
func (c *pullContext) fetchSummary(ctx context.Context, src *Source, cache cacheStore, verifier trust.Verifier) (*summaryResult, error) {
	c.addOutstandingFetch(CatSummarySig, 1)
	sig, sigErr := c.fetchSummarySig(ctx, src)
	c.addOutstandingFetch(CatSummarySig, -1)

	if sigErr != nil {
		if !transport.IsNotFound(sigErr) {
			return nil, newErr(KindIO, "pull: fetching summary.sig: %w", sigErr)
		}
		sig = nil
	}

	if sig == nil {
		if c.gpgVerifySummary {
			return nil, newErr(KindTrust, "pull: remote %s has no summary.sig but gpg-verify-summary was requested", c.remote)
		}
		// No signature, and none is required: the summary (if the remote
		// has one) is still fetched below and used unverified.
	}

	cachedSummary, cachedSig, haveCache := cache.ReadSummary(c.remote)
	var raw []byte
	if haveCache && sig != nil && bytesEqual(cachedSig, sig) {
		raw = cachedSummary
	} else {
		c.addOutstandingFetch(CatSummary, 1)
		fetched, err := c.fetchSummaryBytes(ctx, src)
		c.addOutstandingFetch(CatSummary, -1)
		if err != nil {
			if transport.IsNotFound(err) {
				return c.noSummary()
			}
			return nil, newErr(KindIO, "pull: fetching summary: %w", err)
		}
		raw = fetched
		if sig != nil {
			if err := cache.WriteSummary(c.remote, raw, sig, true); err != nil {
				c.log.Warn("pull: failed to write summary cache", zapErr(err))
			}
		}
	}

	if raw == nil {
		return c.noSummary()
	}

	if sig != nil {
		if err := verifier.VerifySummary(c.remote, raw, sig); err != nil {
			return nil, &Error{Kind: KindTrust, Err: err}
		}
	}

	s, err := wire.DecodeSummary(raw)
	if err != nil {
		return nil, newErr(KindProtocol, "pull: decoding summary: %w", err)
	}

	if c.isMirror && len(c.opts.Refs) == 0 {
		for i := range s.Refs {
			c.requestedRefsToFetch[s.Refs[i].Name] = s.Refs[i].Commit
			c.expectedCommitSizes[s.Refs[i].Commit] = s.Refs[i].CommitSize
		}
	}
	for name, hexDigest := range s.StaticDeltas {
		d, derr := objid.ParseDigest(hexDigest)
		if derr != nil {
			continue
		}
		c.summaryDeltasChecksums[name] = d
	}

	return &summaryResult{summary: s, rawSummary: raw, rawSig: sig}, nil
}

func (c *pullContext) noSummary() (*summaryResult, error) {
	if c.gpgVerifySummary {
		return nil, newErr(KindTrust, "pull: remote %s has no summary but gpg-verify-summary was requested", c.remote)
	}
	if c.requireStaticDeltas {
		return nil, newErr(KindConfiguration, "pull: remote %s has no summary but require-static-deltas was requested", c.remote)
	}
	if c.isMirror && len(c.opts.Refs) == 0 {
		return nil, newErr(KindConfiguration, "pull: mirror pull with no explicit refs requires a summary")
	}
	return &summaryResult{}, nil
}

func (c *pullContext) fetchSummarySig(ctx context.Context, src *Source) ([]byte, error) {
	if src.Local != nil {
		if len(src.LocalSummarySig) == 0 {
			return nil, &transport.NotFoundError{URI: src.Name + "/summary.sig"}
		}
		return src.LocalSummarySig, nil
	}
	return src.Fetcher.Stream(ctx, src.BaseURI+"/summary.sig", 64*1024, transport.PriorityMetadata)
}

func (c *pullContext) fetchSummaryBytes(ctx context.Context, src *Source) ([]byte, error) {
	if src.Local != nil {
		if len(src.LocalSummary) == 0 {
			return nil, &transport.NotFoundError{URI: src.Name + "/summary"}
		}
		return src.LocalSummary, nil
	}
	return src.Fetcher.Stream(ctx, src.BaseURI+"/summary", 16*1024*1024, transport.PriorityMetadata)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// cacheStore is the summary-cache collaborator (spec §4.3, §5); satisfied
// by store.CacheStore.
type cacheStore interface {
	ReadSummary(remote string) (summary, sig []byte, ok bool)
	WriteSummary(remote string, summary, sig []byte, fsync bool) error
}
