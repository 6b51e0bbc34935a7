package pull

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapAndString(t *testing.T) {
	base := errors.New("boom")
	e := newErr(KindTrust, "wrapping: %w", base)

	assert.ErrorIs(t, e, base)
	assert.Contains(t, e.Error(), "trust")
	assert.Contains(t, e.Error(), "boom")
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindConfiguration: "configuration",
		KindTrust:         "trust",
		KindProtocol:      "protocol",
		KindIO:            "io",
		KindCancelled:     "cancelled",
		Kind(99):          "unknown",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
