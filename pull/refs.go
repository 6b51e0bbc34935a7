package pull

import (
	"context"
	"strings"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/transport"
)

// resolvedRef is one (ref name, target commit) pair the Reference Resolver
// produced (spec §4.5).
type resolvedRef struct {
	ref    string // empty for a bare commits_to_fetch entry
	target objid.Digest
}

// resolveRefs implements the Reference Resolver (spec §4.5): caller-supplied
// refs take priority, then caller-supplied commits_to_fetch, then (in mirror
// mode) every ref the summary advertises, else the remote-configured
// branches list.
func (c *pullContext) resolveRefs(ctx context.Context, src *Source, cfg *RemoteConfig, summary *summaryResult) ([]resolvedRef, error) {
	var refs []string
	var overrides []string

	switch {
	case len(c.opts.Refs) > 0:
		refs = c.opts.Refs
		overrides = c.opts.OverrideCommitIDs
	case len(c.commitsToFetch) > 0:
		// already populated below from splitRefs; nothing more to resolve
		// by name.
	default:
		if c.isMirror && len(c.requestedRefsToFetch) > 0 {
			// Mirror with no explicit refs: every ref the summary advertises.
			for name := range c.requestedRefsToFetch {
				refs = append(refs, name)
			}
		} else {
			refs = cfg.Branches
		}
	}

	namedRefs, namedOverrides, commits, err := splitRefs(refs, overrides)
	if err != nil {
		return nil, newErr(KindConfiguration, "%w", err)
	}
	for _, d := range commits {
		c.commitsToFetch[d] = struct{}{}
	}
	if len(refs) == 0 && len(cfg.Branches) == 0 && len(c.commitsToFetch) == 0 {
		return nil, newErr(KindConfiguration, "pull: no refs, commits, or configured branches to pull")
	}

	var out []resolvedRef
	for d := range c.commitsToFetch {
		out = append(out, resolvedRef{target: d})
	}

	for i, ref := range namedRefs {
		var override string
		if i < len(namedOverrides) {
			override = namedOverrides[i]
		}

		var target objid.Digest
		switch {
		case override != "":
			d, err := objid.ParseDigest(override)
			if err != nil {
				return nil, newErr(KindConfiguration, "pull: invalid override-commit-id %q for ref %q: %w", override, ref, err)
			}
			target = d

		case summary != nil && summary.summary != nil:
			entry, ok := summary.summary.ResolveRef(ref)
			if !ok {
				return nil, newErr(KindConfiguration, "pull: ref %q not found in summary", ref)
			}
			target = entry.Commit
			c.expectedCommitSizes[target] = entry.CommitSize

		default:
			d, err := c.resolveRefViaHTTP(ctx, src, ref)
			if err != nil {
				return nil, err
			}
			target = d
		}

		c.requestedRefsToFetch[ref] = target
		out = append(out, resolvedRef{ref: ref, target: target})
	}

	return out, nil
}

func (c *pullContext) resolveRefViaHTTP(ctx context.Context, src *Source, ref string) (objid.Digest, error) {
	c.addOutstandingFetch(CatRef, 1)
	defer c.addOutstandingFetch(CatRef, -1)

	var raw []byte
	var err error
	if src.Local != nil {
		target, rerr := src.Local.ResolveRev(ctx, ref)
		if rerr != nil {
			return objid.Digest{}, newErr(KindIO, "pull: resolving ref %q on local remote: %w", ref, rerr)
		}
		return target, nil
	}
	raw, err = src.Fetcher.Stream(ctx, src.BaseURI+"/refs/heads/"+ref, 1024, transport.PriorityMetadata)
	if err != nil {
		return objid.Digest{}, newErr(KindIO, "pull: fetching refs/heads/%s: %w", ref, err)
	}
	s := strings.TrimRight(string(raw), "\n\r\t ")
	d, perr := objid.ParseDigest(s)
	if perr != nil {
		return objid.Digest{}, newErr(KindProtocol, "pull: refs/heads/%s did not contain a valid checksum: %w", ref, perr)
	}
	return d, nil
}
