package metalink_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objrepo/pullengine/metalink"
)

const sampleDoc = `<?xml version="1.0"?>
<metalink version="4.0">
  <files>
    <file name="summary">
      <verification>
        <hash type="sha-256">deadbeef</hash>
      </verification>
      <resources>
        <url priority="2">https://mirror-b.example.com/repo</url>
        <url priority="1">https://mirror-a.example.com/repo</url>
      </resources>
    </file>
  </files>
</metalink>`

func TestXMLResolverOrdersMirrorsByPriority(t *testing.T) {
	r := &metalink.XMLResolver{
		Fetch: func(ctx context.Context, uri string) ([]byte, error) {
			return []byte(sampleDoc), nil
		},
	}

	res, err := r.Resolve(context.Background(), "https://example.com/repo.metalink")
	require.NoError(t, err)
	require.Len(t, res.Mirrors, 2)
	assert.Equal(t, "https://mirror-a.example.com/repo", res.Mirrors[0])
	assert.Equal(t, "https://mirror-b.example.com/repo", res.Mirrors[1])
	assert.Equal(t, "deadbeef", res.SummaryDigest)
}

func TestXMLResolverRejectsEmptyFiles(t *testing.T) {
	r := &metalink.XMLResolver{
		Fetch: func(ctx context.Context, uri string) ([]byte, error) {
			return []byte(`<metalink version="4.0"><files></files></metalink>`), nil
		},
	}
	_, err := r.Resolve(context.Background(), "https://example.com/repo.metalink")
	assert.Error(t, err)
}

func TestXMLResolverRejectsNoMirrors(t *testing.T) {
	r := &metalink.XMLResolver{
		Fetch: func(ctx context.Context, uri string) ([]byte, error) {
			return []byte(`<metalink version="4.0"><files><file name="summary"></file></files></metalink>`), nil
		},
	}
	_, err := r.Resolve(context.Background(), "https://example.com/repo.metalink")
	assert.Error(t, err)
}

func TestXMLResolverPropagatesFetchError(t *testing.T) {
	r := &metalink.XMLResolver{
		Fetch: func(ctx context.Context, uri string) ([]byte, error) {
			return nil, assertErr{}
		},
	}
	_, err := r.Resolve(context.Background(), "https://example.com/repo.metalink")
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "fetch failed" }
