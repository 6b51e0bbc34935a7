// Package store defines the object-store collaborator the pull engine is
// built against (spec §1: has_object, load_variant, write_metadata,
// write_content, import_object_from, write_commit_detached_metadata,
// resolve_rev, transaction_set_ref, prepare_transaction, commit_transaction,
// abort_transaction, load_commit), plus one concrete filesystem-backed
// implementation under store/local.go.
package store

import (
	"context"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/wire"
)

// Store is the opaque object-store collaborator. Every operation named here
// corresponds to the external call named in spec §1.
type Store interface {
	// HasObject reports whether an object is already present locally.
	HasObject(ctx context.Context, digest objid.Digest, typ objid.Type) (bool, error)

	// LoadVariant reads a stored metadata object's raw bytes.
	LoadVariant(ctx context.Context, digest objid.Digest, typ objid.Type) ([]byte, error)

	// LoadCommit decodes a stored commit.
	LoadCommit(ctx context.Context, digest objid.Digest) (*wire.Commit, error)

	// WriteMetadata writes (and checksum-validates) a metadata object's
	// bytes; content whose digest differs from expected is reported as an
	// error (spec §4.8).
	WriteMetadata(ctx context.Context, expected objid.Digest, typ objid.Type, content []byte) error

	// WriteContent writes a content (FILE) object.
	WriteContent(ctx context.Context, expected objid.Digest, content []byte) error

	// WriteCommitDetachedMetadata stores a commit's side-car metadata
	// (spec §4.8, COMMIT_META completion).
	WriteCommitDetachedMetadata(ctx context.Context, commit objid.Digest, content []byte) error

	// ImportObjectFrom imports an object directly from another, local,
	// Store (spec §4.7 step 3, the file:// remote fast path). When trusted
	// is false the destination still re-verifies the object's checksum.
	ImportObjectFrom(ctx context.Context, src Store, digest objid.Digest, typ objid.Type, trusted bool) error

	// ResolveRev resolves a local ref (possibly remote-prefixed, e.g.
	// "origin/stable") to a commit digest. Returns ErrRefNotFound if
	// unknown.
	ResolveRev(ctx context.Context, ref string) (objid.Digest, error)

	// CommitPartialExists reports whether a .commitpartial marker exists
	// for digest (spec §4.1 commitpartial_exists, §6 on-disk layout).
	CommitPartialExists(ctx context.Context, digest objid.Digest) (bool, error)

	// WriteCommitPartial creates the marker file for digest (spec §5
	// resource acquisition: created before content fetching begins).
	WriteCommitPartial(ctx context.Context, digest objid.Digest) error

	// RemoveCommitPartial deletes the marker (spec §5: deleted after
	// successful transaction commit for each resolved ref).
	RemoveCommitPartial(ctx context.Context, digest objid.Digest) error

	// Transaction lifecycle (spec §1, §6). A single transaction spans the
	// whole pull; SetRef stages a ref update inside it.
	PrepareTransaction(ctx context.Context) (Transaction, error)
}

// Transaction is a single in-flight repo transaction (spec §5 "Shared
// resources": a single transaction is open for the duration of the pull).
type Transaction interface {
	// SetRef stages a ref update (remote-prefixed unless mirror, spec
	// §4.5/§8 mirror-mode scenario).
	SetRef(ctx context.Context, ref string, commit objid.Digest) error

	// Commit finalizes the transaction. Not called at all for dry runs or
	// fetch-summary-only pulls (spec §7: dry-run success still aborts).
	Commit(ctx context.Context) error

	// Abort discards everything staged in the transaction.
	Abort(ctx context.Context) error
}

// CacheStore is the process-local summary cache keyed by remote name (spec
// §4.3, §5): `<cache_dir>/summaries/<remote>` and
// `<cache_dir>/summaries/<remote>.sig`, written via atomic replace with
// fsync unless disabled.
type CacheStore interface {
	ReadSummary(remote string) (summary, sig []byte, ok bool)
	WriteSummary(remote string, summary, sig []byte, fsync bool) error
}
