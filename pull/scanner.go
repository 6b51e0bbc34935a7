package pull

import (
	"context"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/wire"
)

// maxRecursion bounds commit/dirtree traversal depth (spec §4.7).
const maxRecursion = 64

// drainScanQueue services the whole FIFO scan queue in one go, stopping at
// the first latched error. runLoop does not call it: it pops one scan item
// at a time itself, only when no completion is ready (spec §4.7, §5
// Ordering).
func (c *pullContext) drainScanQueue(ctx context.Context, src *Source) {
	for {
		item, ok := c.popScan()
		if !ok {
			return
		}
		c.scanOne(ctx, src, item.digest, item.typ, item.depth)
		if c.caughtError {
			return
		}
	}
}

// scanOne implements spec §4.7's scan_one.
func (c *pullContext) scanOne(ctx context.Context, src *Source, digest objid.Digest, typ objid.Type, depth int) {
	key := objid.Key{Digest: digest, Type: typ}
	if _, done := c.scannedMetadata[key]; done {
		return
	}

	_, isRequested := c.requestedMetadata[key.Digest]
	isStored, err := c.store.HasObject(ctx, digest, typ)
	if err != nil {
		c.handleError(newErr(KindIO, "pull: checking for %s: %w", key, err))
		return
	}

	if src.Local != nil && !isStored {
		if err := c.store.ImportObjectFrom(ctx, src.Local, digest, typ, !c.isUntrusted); err != nil {
			c.handleError(newErr(KindIO, "pull: importing %s from local remote: %w", key, err))
			return
		}
		if typ == objid.COMMIT {
			if err := c.store.WriteCommitPartial(ctx, digest); err != nil {
				c.handleError(newErr(KindIO, "pull: writing commitpartial marker for %s: %w", digest, err))
				return
			}
		}
		isStored = true
		c.requestedMetadata[digest] = struct{}{}
		isRequested = true
	}

	if !isStored && !isRequested {
		c.requestedMetadata[digest] = struct{}{}
		if typ == objid.COMMIT {
			c.fetchObject(ctx, src, digest, objid.COMMITMETA)
		}
		c.fetchObject(ctx, src, digest, typ)
		return
	}

	if isStored {
		doScan := c.legacyTransactionResuming || isRequested
		if typ == objid.COMMIT {
			c.fetchObject(ctx, src, digest, objid.COMMITMETA)

			partial, perr := c.store.CommitPartialExists(ctx, digest)
			if perr != nil {
				c.handleError(newErr(KindIO, "pull: checking commitpartial state for %s: %w", digest, perr))
				return
			}
			if partial {
				c.commitpartialExists = true
				doScan = true
			}
			if c.opts.Depth != 0 {
				doScan = true
			}
		}
		if doScan {
			switch typ {
			case objid.COMMIT:
				c.scanCommit(ctx, src, digest, depth)
			case objid.DIRTREE:
				c.scanDirTree(ctx, src, digest, depth)
			case objid.DIRMETA:
				// nothing further to do.
			}
			if c.caughtError {
				return
			}
		}
	}

	c.scannedMetadata[key] = struct{}{}
	c.addScanned(1)
}

// scanCommit implements spec §4.7's scan_commit.
func (c *pullContext) scanCommit(ctx context.Context, src *Source, digest objid.Digest, depth int) {
	if depth > maxRecursion {
		c.handleError(newErr(KindProtocol, "pull: commit %s exceeds max recursion depth", digest))
		return
	}

	if _, known := c.commitToDepth[digest]; !known {
		c.commitToDepth[digest] = c.opts.Depth
	}
	effDepth := c.commitToDepth[digest]

	raw, err := c.store.LoadVariant(ctx, digest, objid.COMMIT)
	if err != nil {
		c.handleError(newErr(KindIO, "pull: loading commit %s: %w", digest, err))
		return
	}
	commit, err := wire.DecodeCommit(raw)
	if err != nil {
		c.handleError(newErr(KindProtocol, "pull: decoding commit %s: %w", digest, err))
		return
	}

	if c.gpgVerify {
		sig, sigErr := c.store.LoadVariant(ctx, digest, objid.COMMITMETA)
		if sigErr == nil && len(sig) > 0 {
			n, verr := c.verifier.VerifyCommit(c.remote, raw, sig)
			c.log.Debug("pull: gpg-verify-result", zapInt("valid_signatures", n))
			if verr != nil {
				c.handleError(newErr(KindTrust, "pull: verifying commit %s: %w", digest, verr))
				return
			}
			if n == 0 {
				c.handleError(newErr(KindTrust, "pull: commit %s has zero valid signatures", digest))
				return
			}
		} else {
			c.handleError(newErr(KindTrust, "pull: commit %s has no detached metadata to verify", digest))
			return
		}
	}

	if commit.HasParent() {
		switch {
		case effDepth == -1:
			c.queueScan(commit.Parent, objid.COMMIT, depth+1)
		case effDepth > 0:
			parentDepth, known := c.commitToDepth[commit.Parent]
			if !known {
				parentDepth = effDepth - 1
			}
			if parentDepth >= 0 {
				c.commitToDepth[commit.Parent] = parentDepth
				c.queueScan(commit.Parent, objid.COMMIT, depth+1)
			}
		}
	}

	if !c.isCommitOnly {
		c.queueScan(commit.TreeContents, objid.DIRTREE, depth+1)
		c.queueScan(commit.TreeMeta, objid.DIRMETA, depth+1)
	}
}

// scanDirTree implements spec §4.7's scan_dirtree.
func (c *pullContext) scanDirTree(ctx context.Context, src *Source, digest objid.Digest, depth int) {
	if depth > maxRecursion {
		c.handleError(newErr(KindProtocol, "pull: dirtree %s exceeds max recursion depth", digest))
		return
	}

	raw, err := c.store.LoadVariant(ctx, digest, objid.DIRTREE)
	if err != nil {
		c.handleError(newErr(KindIO, "pull: loading dirtree %s: %w", digest, err))
		return
	}
	tree, err := wire.DecodeDirTree(raw)
	if err != nil {
		c.handleError(newErr(KindProtocol, "pull: decoding dirtree %s: %w", digest, err))
		return
	}

	var subdirTarget string
	var rest string
	dirSet := c.subdir != ""
	if dirSet {
		head, r := splitFirstComponent(c.subdir)
		subdirTarget = head
		rest = r
	}

	for _, f := range tree.Files {
		if !objid.IsSafePathComponent(f.Name) {
			c.handleError(newErr(KindProtocol, "pull: dirtree %s: unsafe file name %q", digest, f.Name))
			return
		}
		if dirSet && f.Name != subdirTarget {
			continue
		}
		stored, herr := c.store.HasObject(ctx, f.Digest, objid.FILE)
		if herr != nil {
			c.handleError(newErr(KindIO, "pull: checking for file %s: %w", f.Digest, herr))
			return
		}
		if stored {
			continue
		}
		if src.Local != nil {
			if err := c.store.ImportObjectFrom(ctx, src.Local, f.Digest, objid.FILE, !c.isUntrusted); err != nil {
				c.handleError(newErr(KindIO, "pull: importing file %s from local remote: %w", f.Digest, err))
				return
			}
			continue
		}
		if _, already := c.requestedContent[f.Digest]; already {
			continue
		}
		c.requestedContent[f.Digest] = struct{}{}
		c.fetchObject(ctx, src, f.Digest, objid.FILE)
	}

	savedSubdir := c.subdir
	if dirSet {
		c.subdir = rest
	}
	for _, sd := range tree.Subdirs {
		if !objid.IsSafePathComponent(sd.Name) {
			c.handleError(newErr(KindProtocol, "pull: dirtree %s: unsafe subdir name %q", digest, sd.Name))
			c.subdir = savedSubdir
			return
		}
		if dirSet && sd.Name != subdirTarget {
			continue
		}
		c.queueScan(sd.Tree, objid.DIRTREE, depth+1)
		c.queueScan(sd.Metadata, objid.DIRMETA, depth+1)
	}
	c.subdir = savedSubdir
}

func splitFirstComponent(p string) (head, rest string) {
	s := p
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
