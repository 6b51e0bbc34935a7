package pull

import (
	"context"
	"fmt"
	"sync"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/store"
	"github.com/objrepo/pullengine/wire"
)

// nilStore implements store.Store with every method panicking. Tests that
// only need a store.Store value to populate Source.Local (to mark a remote
// as local) without exercising any store operations embed this and never
// call its methods; tests that do exercise store behavior use a purpose-
// built fake instead.
type nilStore struct{}

func (nilStore) HasObject(context.Context, objid.Digest, objid.Type) (bool, error) {
	panic("nilStore: HasObject not implemented")
}
func (nilStore) LoadVariant(context.Context, objid.Digest, objid.Type) ([]byte, error) {
	panic("nilStore: LoadVariant not implemented")
}
func (nilStore) LoadCommit(context.Context, objid.Digest) (*wire.Commit, error) {
	panic("nilStore: LoadCommit not implemented")
}
func (nilStore) WriteMetadata(context.Context, objid.Digest, objid.Type, []byte) error {
	panic("nilStore: WriteMetadata not implemented")
}
func (nilStore) WriteContent(context.Context, objid.Digest, []byte) error {
	panic("nilStore: WriteContent not implemented")
}
func (nilStore) WriteCommitDetachedMetadata(context.Context, objid.Digest, []byte) error {
	panic("nilStore: WriteCommitDetachedMetadata not implemented")
}
func (nilStore) ImportObjectFrom(context.Context, store.Store, objid.Digest, objid.Type, bool) error {
	panic("nilStore: ImportObjectFrom not implemented")
}
func (nilStore) ResolveRev(context.Context, string) (objid.Digest, error) {
	return objid.Digest{}, fmt.Errorf("nilStore: ResolveRev not implemented")
}
func (nilStore) CommitPartialExists(context.Context, objid.Digest) (bool, error) {
	panic("nilStore: CommitPartialExists not implemented")
}
func (nilStore) WriteCommitPartial(context.Context, objid.Digest) error {
	panic("nilStore: WriteCommitPartial not implemented")
}
func (nilStore) RemoveCommitPartial(context.Context, objid.Digest) error {
	panic("nilStore: RemoveCommitPartial not implemented")
}
func (nilStore) PrepareTransaction(context.Context) (store.Transaction, error) {
	panic("nilStore: PrepareTransaction not implemented")
}

var _ store.Store = nilStore{}

// memStore is a minimal in-memory store.Store used to drive the Object
// Scanner, Object Fetcher, and Delta Planner against realistic object
// graphs without touching the filesystem.
type memStore struct {
	mu              sync.Mutex
	objects         map[objid.Key][]byte
	commitDetached  map[objid.Digest][]byte
	commitPartial   map[objid.Digest]bool
	refs            map[string]objid.Digest
}

func newMemStore() *memStore {
	return &memStore{
		objects:        make(map[objid.Key][]byte),
		commitDetached: make(map[objid.Digest][]byte),
		commitPartial:  make(map[objid.Digest]bool),
		refs:           make(map[string]objid.Digest),
	}
}

func (m *memStore) put(digest objid.Digest, typ objid.Type, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objid.Key{Digest: digest, Type: typ}] = content
}

func (m *memStore) HasObject(_ context.Context, digest objid.Digest, typ objid.Type) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objid.Key{Digest: digest, Type: typ}]
	return ok, nil
}

func (m *memStore) LoadVariant(_ context.Context, digest objid.Digest, typ objid.Type) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[objid.Key{Digest: digest, Type: typ}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (m *memStore) LoadCommit(ctx context.Context, digest objid.Digest) (*wire.Commit, error) {
	b, err := m.LoadVariant(ctx, digest, objid.COMMIT)
	if err != nil {
		return nil, err
	}
	return wire.DecodeCommit(b)
}

func (m *memStore) WriteMetadata(_ context.Context, expected objid.Digest, typ objid.Type, content []byte) error {
	if got := objid.Sum(content); got != expected {
		return fmt.Errorf("memStore: checksum mismatch: got %s want %s", got, expected)
	}
	m.put(expected, typ, content)
	return nil
}

func (m *memStore) WriteContent(_ context.Context, expected objid.Digest, content []byte) error {
	if got := objid.Sum(content); got != expected {
		return fmt.Errorf("memStore: checksum mismatch: got %s want %s", got, expected)
	}
	m.put(expected, objid.FILE, content)
	return nil
}

func (m *memStore) WriteCommitDetachedMetadata(_ context.Context, commit objid.Digest, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitDetached[commit] = content
	return nil
}

func (m *memStore) ImportObjectFrom(ctx context.Context, src store.Store, digest objid.Digest, typ objid.Type, trusted bool) error {
	content, err := src.LoadVariant(ctx, digest, typ)
	if err != nil {
		return err
	}
	if trusted {
		m.put(digest, typ, content)
		return nil
	}
	if typ.IsMeta() {
		return m.WriteMetadata(ctx, digest, typ, content)
	}
	return m.WriteContent(ctx, digest, content)
}

func (m *memStore) ResolveRev(_ context.Context, ref string) (objid.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.refs[ref]
	if !ok {
		return objid.Digest{}, store.ErrRefNotFound
	}
	return d, nil
}

func (m *memStore) CommitPartialExists(_ context.Context, digest objid.Digest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitPartial[digest], nil
}

func (m *memStore) WriteCommitPartial(_ context.Context, digest objid.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitPartial[digest] = true
	return nil
}

func (m *memStore) RemoveCommitPartial(_ context.Context, digest objid.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.commitPartial, digest)
	return nil
}

func (m *memStore) PrepareTransaction(context.Context) (store.Transaction, error) {
	return &memTxn{store: m, staged: make(map[string]objid.Digest)}, nil
}

var _ store.Store = (*memStore)(nil)

// memTxn is a minimal store.Transaction: SetRef stages into a local map,
// Commit applies it to the owning memStore's refs, Abort discards it.
type memTxn struct {
	store   *memStore
	staged  map[string]objid.Digest
	aborted bool
}

func (tx *memTxn) SetRef(_ context.Context, ref string, commit objid.Digest) error {
	tx.staged[ref] = commit
	return nil
}

func (tx *memTxn) Commit(_ context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for ref, commit := range tx.staged {
		tx.store.refs[ref] = commit
	}
	return nil
}

func (tx *memTxn) Abort(context.Context) error {
	tx.aborted = true
	return nil
}

var _ store.Transaction = (*memTxn)(nil)
