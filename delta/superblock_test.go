package delta_test

import (
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objrepo/pullengine/delta"
	"github.com/objrepo/pullengine/objid"
	"github.com/objrepo/pullengine/store"
)

func TestSuperblockRoundTrip(t *testing.T) {
	to := objid.Sum([]byte("to-commit"))
	from := objid.Sum([]byte("from-commit"))

	sb := &delta.Superblock{
		FromChecksum:  from,
		ToChecksum:    to,
		ToCommitBytes: []byte("commit bytes"),
		TimestampUnix: 1700000000,
		ExtraMetadata: map[string][]byte{
			delta.CommitmetaKey(from, to): []byte("commitmeta bytes"),
		},
		Parts: []delta.PartHeader{
			{
				Version:          1,
				Digest:           [32]byte(objid.Sum([]byte("part 0"))),
				CompressedSize:   100,
				UncompressedSize: 200,
				Objects: []objid.Key{
					{Digest: objid.Sum([]byte("obj")), Type: objid.FILE},
				},
			},
		},
		FallbackObjs: []delta.FallbackObject{
			{Type: objid.FILE, Digest: objid.Sum([]byte("fallback")), CompressedSize: 5, UncompressedSize: 10},
		},
	}

	b, err := delta.EncodeSuperblock(sb)
	require.NoError(t, err)

	got, err := delta.DecodeSuperblock(b)
	require.NoError(t, err)

	assert.Equal(t, sb.FromChecksum, got.FromChecksum)
	assert.Equal(t, sb.ToChecksum, got.ToChecksum)
	assert.Equal(t, sb.ToCommitBytes, got.ToCommitBytes)
	if diff := cmp.Diff(sb.Parts, got.Parts); diff != "" {
		t.Errorf("superblock parts round-trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(sb.FallbackObjs, got.FallbackObjs); diff != "" {
		t.Errorf("superblock fallback objects round-trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, sb.ExtraMetadata, got.ExtraMetadata)
}

func TestRelativePathsAndKeys(t *testing.T) {
	to := objid.Sum([]byte("to"))
	var from objid.Digest // zero: from-less delta

	assert.Equal(t, "deltas/-"+to.String()+"/superblock", delta.RelativeSuperblockPath(from, to))
	assert.Equal(t, "deltas/-"+to.String()+"/0", delta.RelativePartPath(from, to, 0))
	assert.Equal(t, "-"+to.String()+"/commitmeta", delta.CommitmetaKey(from, to))
	assert.Equal(t, "-"+to.String()+"/3", delta.InlinePartKey(from, to, 3))

	from = objid.Sum([]byte("from"))
	assert.Equal(t, "deltas/"+from.String()+"-"+to.String()+"/superblock", delta.RelativeSuperblockPath(from, to))
}

func TestVerifyPartChecksum(t *testing.T) {
	payload := []byte("part payload bytes")
	header := delta.PartHeader{Digest: [32]byte(objid.Sum(payload))}
	assert.NoError(t, delta.VerifyPartChecksum(header, payload))

	assert.Error(t, delta.VerifyPartChecksum(header, []byte("tampered")))
}

// wirePartObject mirrors the unexported cbor-tagged shape delta.Reference
// expects inside a part payload, letting tests build fixture payloads
// without reaching into package-private types.
type wirePartObject struct {
	Type    int          `cbor:"1,keyasint"`
	Digest  objid.Digest `cbor:"2,keyasint"`
	Content []byte       `cbor:"3,keyasint"`
}

type fakeStore struct {
	store.Store
	written map[objid.Digest][]byte
}

func (f *fakeStore) WriteMetadata(_ context.Context, expected objid.Digest, _ objid.Type, content []byte) error {
	f.written[expected] = content
	return nil
}

func (f *fakeStore) WriteContent(_ context.Context, expected objid.Digest, content []byte) error {
	f.written[expected] = content
	return nil
}

func TestReferenceApplierWritesEachObject(t *testing.T) {
	metaContent := []byte("dirtree bytes")
	fileContent := []byte("file bytes")
	metaDigest := objid.Sum(metaContent)
	fileDigest := objid.Sum(fileContent)

	objs := []wirePartObject{
		{Type: int(objid.DIRTREE), Digest: metaDigest, Content: metaContent},
		{Type: int(objid.FILE), Digest: fileDigest, Content: fileContent},
	}
	payload, err := cbor.Marshal(objs)
	require.NoError(t, err)

	header := delta.PartHeader{
		Objects: []objid.Key{
			{Digest: metaDigest, Type: objid.DIRTREE},
			{Digest: fileDigest, Type: objid.FILE},
		},
	}

	st := &fakeStore{written: make(map[objid.Digest][]byte)}
	applier := delta.Reference{}
	err = applier.ApplyPart(context.Background(), st, header, payload, false)
	require.NoError(t, err)

	assert.Equal(t, metaContent, st.written[metaDigest])
	assert.Equal(t, fileContent, st.written[fileDigest])
}

func TestReferenceApplierRejectsObjectMismatch(t *testing.T) {
	content := []byte("bytes")
	digest := objid.Sum(content)

	objs := []wirePartObject{
		{Type: int(objid.FILE), Digest: digest, Content: content},
	}
	payload, err := cbor.Marshal(objs)
	require.NoError(t, err)

	header := delta.PartHeader{
		Objects: []objid.Key{
			{Digest: objid.Sum([]byte("other")), Type: objid.FILE},
		},
	}

	st := &fakeStore{written: make(map[objid.Digest][]byte)}
	applier := delta.Reference{}
	err = applier.ApplyPart(context.Background(), st, header, payload, false)
	assert.Error(t, err)
}

func TestReferenceApplierRejectsChecksumMismatchUnlessTrusted(t *testing.T) {
	digest := objid.Sum([]byte("expected"))
	objs := []wirePartObject{
		{Type: int(objid.FILE), Digest: digest, Content: []byte("actually different bytes")},
	}
	payload, err := cbor.Marshal(objs)
	require.NoError(t, err)

	header := delta.PartHeader{Objects: []objid.Key{{Digest: digest, Type: objid.FILE}}}

	st := &fakeStore{written: make(map[objid.Digest][]byte)}
	applier := delta.Reference{}

	err = applier.ApplyPart(context.Background(), st, header, payload, false)
	assert.Error(t, err)

	err = applier.ApplyPart(context.Background(), st, header, payload, true)
	assert.NoError(t, err)
}
