package pull

import (
	"context"
	"os"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/transport"
)

// maxMetadataSize bounds an unsized metadata fetch (spec §4.8
// expected_max_size, "MAX_METADATA_SIZE").
const maxMetadataSize = 10 * 1024 * 1024

// fetchObject implements spec §4.8's fetch_object: it dispatches the fetch
// asynchronously and schedules its completion handler back onto the loop
// goroutine via c.schedule.
func (c *pullContext) fetchObject(ctx context.Context, src *Source, digest objid.Digest, typ objid.Type) {
	cat := CatContent
	priority := transport.PriorityContent
	if typ.IsMeta() {
		cat = CatMetadata
		priority = transport.PriorityMetadata
	}

	maxSize := c.expectedMaxSize(digest, typ)

	c.addOutstandingFetch(cat, 1)
	c.addRequested(cat, 1)

	uri := src.BaseURI + "/" + objectRelPath(digest, typ)

	go func() {
		tempPath, err := src.Fetcher.FetchToTemp(ctx, uri, maxSize, priority)
		c.schedule(func() {
			c.addOutstandingFetch(cat, -1)
			if typ.IsMeta() {
				c.onMetadataFetched(ctx, src, digest, typ, tempPath, err)
			} else {
				c.onContentFetched(ctx, src, digest, tempPath, err)
			}
		})
	}()
}

func (c *pullContext) expectedMaxSize(digest objid.Digest, typ objid.Type) int64 {
	switch typ {
	case objid.COMMITMETA, objid.TOMBSTONECOMMIT:
		return transport.Unbounded
	case objid.FILE:
		return transport.Unbounded
	}
	if sz, ok := c.expectedCommitSizes[digest]; ok && typ == objid.COMMIT {
		return int64(sz)
	}
	return maxMetadataSize
}

func objectRelPath(digest objid.Digest, typ objid.Type) string {
	dir, rest := objid.FanOut(digest)
	return "objects/" + dir + "/" + rest + "." + typ.Extension()
}

// onMetadataFetched implements spec §4.8's "Metadata completion".
func (c *pullContext) onMetadataFetched(ctx context.Context, src *Source, digest objid.Digest, typ objid.Type, tempPath string, fetchErr error) {
	if fetchErr != nil {
		if transport.IsNotFound(fetchErr) {
			switch {
			case typ == objid.COMMITMETA:
				return // no detached metadata is not an error.
			case typ == objid.COMMIT && c.opts.Depth != 0:
				// Dangling parent reference in a partial repo: swallow it,
				// and if the remote supports tombstones, go fetch the
				// tombstone marker instead (spec §4.8, §9).
				if c.hasTombstoneCommits {
					c.fetchObject(ctx, src, digest, objid.TOMBSTONECOMMIT)
				}
				return
			case typ == objid.TOMBSTONECOMMIT:
				return // no tombstone either: the parent is simply absent.
			}
		}
		c.handleError(newErr(KindIO, "pull: fetching %s %s: %w", typ, digest, fetchErr))
		return
	}

	raw, err := os.ReadFile(tempPath)
	if err != nil {
		c.handleError(newErr(KindIO, "pull: reading fetched %s %s: %w", typ, digest, err))
		return
	}
	os.Remove(tempPath)

	switch typ {
	case objid.COMMIT:
		if err := c.store.WriteCommitPartial(ctx, digest); err != nil {
			c.handleError(newErr(KindIO, "pull: writing commitpartial marker for %s: %w", digest, err))
			return
		}
		c.writeMetadataAndScan(ctx, src, digest, typ, raw)

	case objid.COMMITMETA:
		if err := c.store.WriteCommitDetachedMetadata(ctx, digest, raw); err != nil {
			c.handleError(newErr(KindIO, "pull: writing commitmeta for %s: %w", digest, err))
			return
		}

	default:
		c.writeMetadataAndScan(ctx, src, digest, typ, raw)
	}
}

// writeMetadataAndScan is the async write_metadata_async + on_metadata_written
// + queue_scan(depth=0) chain from spec §4.8.
func (c *pullContext) writeMetadataAndScan(ctx context.Context, src *Source, digest objid.Digest, typ objid.Type, raw []byte) {
	c.addOutstandingWrite(CatMetadata, 1)
	go func() {
		err := c.store.WriteMetadata(ctx, digest, typ, raw)
		c.schedule(func() {
			c.addOutstandingWrite(CatMetadata, -1)
			if err != nil {
				c.handleError(newErr(KindTrust, "pull: writing %s %s: %w", typ, digest, err))
				return
			}
			c.addFetched(CatMetadata, 1)
			c.queueScan(digest, typ, 0)
		})
	}()
}

// onContentFetched implements spec §4.8's "Content completion".
func (c *pullContext) onContentFetched(ctx context.Context, src *Source, digest objid.Digest, tempPath string, fetchErr error) {
	if fetchErr != nil {
		c.handleError(newErr(KindIO, "pull: fetching file %s: %w", digest, fetchErr))
		return
	}

	raw, err := os.ReadFile(tempPath)
	if err != nil {
		c.handleError(newErr(KindIO, "pull: reading fetched file %s: %w", digest, err))
		return
	}
	os.Remove(tempPath)

	content, err := parseRawContent(raw)
	if err != nil {
		c.handleError(newErr(KindProtocol, "pull: parsing raw content for file %s: %w", digest, err))
		return
	}

	c.addOutstandingWrite(CatContent, 1)
	go func() {
		werr := c.store.WriteContent(ctx, digest, content)
		c.schedule(func() {
			c.addOutstandingWrite(CatContent, -1)
			if werr != nil {
				c.handleError(newErr(KindTrust, "pull: writing file %s: %w", digest, werr))
				return
			}
			c.addFetched(CatContent, 1)
		})
	}()
}

// parseRawContent extracts the inner content stream from a raw fetched file
// object envelope (spec §4.8: "extracting inner stream, file_info, extended
// attributes"). store.WriteContent owns header/xattr reconstruction against
// the local repo layout, so this stage only has to hand back the verbatim
// payload.
func parseRawContent(raw []byte) ([]byte, error) {
	return raw, nil
}
