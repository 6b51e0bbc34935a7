package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/wire"
)

// Local is a filesystem-backed Store: objects live under
// <root>/objects/<aa>/<bb...>.<ext> (spec §4.8) and partial-commit markers
// under <root>/state/<checksum>.commitpartial (spec §6). Refs are held only
// in memory for the lifetime of the Local value: NewLocal creates
// <root>/refs, but no ref is written there or read back from it, so refs
// do not persist across processes.
//
// Reads of metadata objects are served through a short-lived mmap, the same
// technique the teacher uses in indexfile.go's mmapedIndexFile: map, read,
// unmap, rather than holding every object resident.
type Local struct {
	root string

	mu   sync.Mutex
	refs map[string]objid.Digest
}

// NewLocal opens (creating if necessary) a local object store rooted at
// dir.
func NewLocal(dir string) (*Local, error) {
	for _, sub := range []string{"objects", "state", "refs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", sub, err)
		}
	}
	return &Local{root: dir, refs: make(map[string]objid.Digest)}, nil
}

func (l *Local) objectPath(digest objid.Digest, typ objid.Type) string {
	dir, rest := objid.FanOut(digest)
	return filepath.Join(l.root, "objects", dir, rest+"."+typ.Extension())
}

func (l *Local) commitPartialPath(digest objid.Digest) string {
	return filepath.Join(l.root, "state", digest.String()+".commitpartial")
}

// HasObject implements Store.
func (l *Local) HasObject(_ context.Context, digest objid.Digest, typ objid.Type) (bool, error) {
	_, err := os.Stat(l.objectPath(digest, typ))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: stat object %s: %w", digest, err)
	}
	return true, nil
}

// readMapped mmaps path read-only and returns a copy of its bytes,
// following indexfile.go's map/read/unmap lifecycle.
func readMapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("store: mmap %s: %w", path, err)
	}
	defer m.Unmap()

	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}

// LoadVariant implements Store.
func (l *Local) LoadVariant(_ context.Context, digest objid.Digest, typ objid.Type) ([]byte, error) {
	b, err := readMapped(l.objectPath(digest, typ))
	if err != nil {
		return nil, fmt.Errorf("store: load %s %s: %w", typ, digest, err)
	}
	return b, nil
}

// LoadCommit implements Store.
func (l *Local) LoadCommit(ctx context.Context, digest objid.Digest) (*wire.Commit, error) {
	b, err := l.LoadVariant(ctx, digest, objid.COMMIT)
	if err != nil {
		return nil, err
	}
	return wire.DecodeCommit(b)
}

func writeAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func verifyAndWrite(path string, expected objid.Digest, content []byte) error {
	got := objid.Sum(content)
	if got != expected {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, got, expected)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeAtomic(path, content)
}

// WriteMetadata implements Store.
func (l *Local) WriteMetadata(_ context.Context, expected objid.Digest, typ objid.Type, content []byte) error {
	if err := verifyAndWrite(l.objectPath(expected, typ), expected, content); err != nil {
		return fmt.Errorf("store: write metadata %s %s: %w", typ, expected, err)
	}
	return nil
}

// WriteContent implements Store.
func (l *Local) WriteContent(_ context.Context, expected objid.Digest, content []byte) error {
	if err := verifyAndWrite(l.objectPath(expected, objid.FILE), expected, content); err != nil {
		return fmt.Errorf("store: write content %s: %w", expected, err)
	}
	return nil
}

// WriteCommitDetachedMetadata implements Store.
func (l *Local) WriteCommitDetachedMetadata(_ context.Context, commit objid.Digest, content []byte) error {
	path := l.objectPath(commit, objid.COMMITMETA)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: write commitmeta %s: %w", commit, err)
	}
	if err := writeAtomic(path, content); err != nil {
		return fmt.Errorf("store: write commitmeta %s: %w", commit, err)
	}
	return nil
}

// ImportObjectFrom implements Store.
func (l *Local) ImportObjectFrom(ctx context.Context, src Store, digest objid.Digest, typ objid.Type, trusted bool) error {
	content, err := src.LoadVariant(ctx, digest, typ)
	if err != nil {
		return fmt.Errorf("store: import %s %s: %w", typ, digest, err)
	}
	if trusted {
		path := l.objectPath(digest, typ)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("store: import %s %s: %w", typ, digest, err)
		}
		if err := writeAtomic(path, content); err != nil {
			return fmt.Errorf("store: import %s %s: %w", typ, digest, err)
		}
		return nil
	}
	if typ.IsMeta() {
		return l.WriteMetadata(ctx, digest, typ, content)
	}
	return l.WriteContent(ctx, digest, content)
}

// ResolveRev implements Store.
func (l *Local) ResolveRev(_ context.Context, ref string) (objid.Digest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.refs[ref]
	if !ok {
		return objid.Digest{}, ErrRefNotFound
	}
	return d, nil
}

// CommitPartialExists implements Store.
func (l *Local) CommitPartialExists(_ context.Context, digest objid.Digest) (bool, error) {
	_, err := os.Stat(l.commitPartialPath(digest))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: stat commitpartial %s: %w", digest, err)
	}
	return true, nil
}

// WriteCommitPartial implements Store.
func (l *Local) WriteCommitPartial(_ context.Context, digest objid.Digest) error {
	if err := os.WriteFile(l.commitPartialPath(digest), nil, 0o644); err != nil {
		return fmt.Errorf("store: write commitpartial %s: %w", digest, err)
	}
	return nil
}

// RemoveCommitPartial implements Store.
func (l *Local) RemoveCommitPartial(_ context.Context, digest objid.Digest) error {
	if err := os.Remove(l.commitPartialPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove commitpartial %s: %w", digest, err)
	}
	return nil
}

// PrepareTransaction implements Store.
func (l *Local) PrepareTransaction(_ context.Context) (Transaction, error) {
	return &localTxn{store: l, staged: make(map[string]objid.Digest)}, nil
}

type localTxn struct {
	store  *Local
	mu     sync.Mutex
	staged map[string]objid.Digest
}

func (t *localTxn) SetRef(_ context.Context, ref string, commit objid.Digest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged[ref] = commit
	return nil
}

func (t *localTxn) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for ref, digest := range t.staged {
		t.store.refs[ref] = digest
	}
	return nil
}

func (t *localTxn) Abort(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
	return nil
}
