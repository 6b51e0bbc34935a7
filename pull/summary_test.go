package pull

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/wire"
)

type memCache struct {
	summaries map[string][2][]byte
}

func newMemCache() *memCache { return &memCache{summaries: make(map[string][2][]byte)} }

func (m *memCache) ReadSummary(remote string) ([]byte, []byte, bool) {
	v, ok := m.summaries[remote]
	if !ok {
		return nil, nil, false
	}
	return v[0], v[1], true
}

func (m *memCache) WriteSummary(remote string, summary, sig []byte, fsync bool) error {
	m.summaries[remote] = [2][]byte{summary, sig}
	return nil
}

type alwaysValidVerifier struct{}

func (alwaysValidVerifier) VerifySummary(remote string, summary, sig []byte) error { return nil }
func (alwaysValidVerifier) VerifyCommit(remote string, commitVariant, sig []byte) (int, error) {
	return 1, nil
}

func buildTestSummary(t *testing.T) (*wire.Summary, []byte) {
	t.Helper()
	s := &wire.Summary{
		Refs: []wire.RefEntry{
			{Name: "main", CommitSize: 10, Commit: objid.Sum([]byte("main-commit"))},
			{Name: "stable", CommitSize: 20, Commit: objid.Sum([]byte("stable-commit"))},
		},
	}
	raw, err := wire.EncodeSummary(s)
	require.NoError(t, err)
	return s, raw
}

func TestFetchSummaryFromLocalRemoteWithNoSignature(t *testing.T) {
	_, raw := buildTestSummary(t)
	c := newTestContext(t, Options{})
	src := &Source{
		Name:         "origin",
		Local:        fakeLocalStore{},
		LocalSummary: raw,
	}

	res, err := c.fetchSummary(context.Background(), src, newMemCache(), alwaysValidVerifier{})
	require.NoError(t, err)
	require.NotNil(t, res.summary)
	assert.Len(t, res.summary.Refs, 2)
}

func TestFetchSummaryMirrorModePopulatesRequestedRefs(t *testing.T) {
	_, raw := buildTestSummary(t)
	c := newTestContext(t, Options{Flags: FlagMirror})
	src := &Source{Name: "origin", Local: fakeLocalStore{}, LocalSummary: raw}

	_, err := c.fetchSummary(context.Background(), src, newMemCache(), alwaysValidVerifier{})
	require.NoError(t, err)

	assert.Len(t, c.requestedRefsToFetch, 2)
	assert.Contains(t, c.requestedRefsToFetch, "main")
	assert.Contains(t, c.requestedRefsToFetch, "stable")
}

func TestFetchSummaryNoSummaryFailsWhenGPGVerifySummaryRequested(t *testing.T) {
	c := newTestContext(t, Options{GPGVerifySummary: true})
	src := &Source{Name: "origin", Local: fakeLocalStore{}}

	_, err := c.fetchSummary(context.Background(), src, newMemCache(), alwaysValidVerifier{})
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTrust, perr.Kind)
}

func TestFetchSummaryNoSummaryFailsWhenStaticDeltasRequired(t *testing.T) {
	c := newTestContext(t, Options{RequireStaticDeltas: true})
	src := &Source{Name: "origin", Local: fakeLocalStore{}}

	_, err := c.fetchSummary(context.Background(), src, newMemCache(), alwaysValidVerifier{})
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindConfiguration, perr.Kind)
}

func TestFetchSummaryNoSummaryOKForNonMirrorPull(t *testing.T) {
	c := newTestContext(t, Options{Refs: []string{"main"}})
	src := &Source{Name: "origin", Local: fakeLocalStore{}}

	res, err := c.fetchSummary(context.Background(), src, newMemCache(), alwaysValidVerifier{})
	require.NoError(t, err)
	assert.Nil(t, res.summary)
}

func TestFetchSummaryCachesAcrossCallsWhenSignatureMatches(t *testing.T) {
	_, raw := buildTestSummary(t)
	sig := []byte("fake-sig-bytes")

	cache := newMemCache()
	c := newTestContext(t, Options{Refs: []string{"main"}})
	src := &Source{
		Name:            "origin",
		Local:           fakeLocalStore{},
		LocalSummary:    raw,
		LocalSummarySig: sig,
	}

	_, err := c.fetchSummary(context.Background(), src, cache, alwaysValidVerifier{})
	require.NoError(t, err)

	cachedSummary, cachedSig, ok := cache.ReadSummary("origin")
	require.True(t, ok)
	assert.Equal(t, raw, cachedSummary)
	assert.Equal(t, sig, cachedSig)
}
