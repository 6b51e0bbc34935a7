package pull

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/transport"
	"github.com/objrepo/pullengine/wire"
)

type refStore struct {
	nilStore
	refs map[string]objid.Digest
}

func (r refStore) ResolveRev(_ context.Context, ref string) (objid.Digest, error) {
	d, ok := r.refs[ref]
	if !ok {
		return objid.Digest{}, assertNotFound{}
	}
	return d, nil
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "ref not found" }

func TestResolveRefsRejectsNothingToPull(t *testing.T) {
	c := newTestContext(t, Options{})
	src := &Source{Name: "origin"}
	_, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, &summaryResult{})
	assert.Error(t, err)
}

func TestResolveRefsViaOverrideCommitID(t *testing.T) {
	target := objid.Sum([]byte("override target"))
	c := newTestContext(t, Options{
		Refs:              []string{"stable"},
		OverrideCommitIDs: []string{target.String()},
	})
	src := &Source{Name: "origin"}

	out, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, &summaryResult{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "stable", out[0].ref)
	assert.Equal(t, target, out[0].target)
}

func TestResolveRefsViaSummary(t *testing.T) {
	target := objid.Sum([]byte("summary target"))
	summary := &summaryResult{summary: &wire.Summary{
		Refs: []wire.RefEntry{{Name: "stable", Commit: target, CommitSize: 99}},
	}}
	c := newTestContext(t, Options{Refs: []string{"stable"}})
	src := &Source{Name: "origin"}

	out, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, summary)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target, out[0].target)
	assert.Equal(t, uint64(99), c.expectedCommitSizes[target])
}

func TestResolveRefsViaSummaryMissingRefErrors(t *testing.T) {
	summary := &summaryResult{summary: &wire.Summary{Refs: []wire.RefEntry{{Name: "other"}}}}
	c := newTestContext(t, Options{Refs: []string{"stable"}})
	src := &Source{Name: "origin"}

	_, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, summary)
	assert.Error(t, err)
}

func TestResolveRefsViaHTTPFallback(t *testing.T) {
	target := objid.Sum([]byte("http target"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(target.String() + "\n"))
	}))
	defer srv.Close()

	fetcher, err := transport.NewHTTPFetcher(t.TempDir(), nil, "")
	require.NoError(t, err)
	defer fetcher.Close()

	c := newTestContext(t, Options{Refs: []string{"stable"}})
	src := &Source{Name: "origin", BaseURI: srv.URL, Fetcher: fetcher}

	out, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, &summaryResult{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target, out[0].target)
}

func TestResolveRefsViaLocalRemote(t *testing.T) {
	target := objid.Sum([]byte("local target"))
	c := newTestContext(t, Options{Refs: []string{"stable"}})
	src := &Source{Name: "origin", Local: refStore{refs: map[string]objid.Digest{"stable": target}}}

	out, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, &summaryResult{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target, out[0].target)
}

func TestResolveRefsFromConfiguredBranches(t *testing.T) {
	target := objid.Sum([]byte("branch target"))
	c := newTestContext(t, Options{})
	src := &Source{Name: "origin", Local: refStore{refs: map[string]objid.Digest{"main": target}}}

	out, err := c.resolveRefs(context.Background(), src, &RemoteConfig{Branches: []string{"main"}}, &summaryResult{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "main", out[0].ref)
	assert.Equal(t, target, out[0].target)
}

func TestResolveRefsBareCommitChecksum(t *testing.T) {
	commit := objid.Sum([]byte("bare commit"))
	c := newTestContext(t, Options{Refs: []string{commit.String()}})
	src := &Source{Name: "origin"}

	out, err := c.resolveRefs(context.Background(), src, &RemoteConfig{}, &summaryResult{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "", out[0].ref)
	assert.Equal(t, commit, out[0].target)
}
