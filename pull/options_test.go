package pull

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objrepo/pullengine/objid"
)

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"zero value ok", Options{}, false},
		{"disable and require deltas conflict", Options{DisableStaticDeltas: true, RequireStaticDeltas: true}, true},
		{"dry run without require deltas", Options{DryRun: true}, true},
		{"dry run with require deltas", Options{DryRun: true, RequireStaticDeltas: true}, false},
		{"mismatched override length", Options{Refs: []string{"a"}, OverrideCommitIDs: []string{"a", "b"}}, true},
		{"depth below -1", Options{Depth: -2}, true},
		{"depth -1 ok", Options{Depth: -1}, false},
		{"subdir without leading slash", Options{Subdir: "foo"}, true},
		{"subdir with leading slash", Options{Subdir: "/foo"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.opts.validate()
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOptionsFlagAccessors(t *testing.T) {
	o := Options{Flags: FlagMirror | FlagUntrusted}
	assert.True(t, o.isMirror())
	assert.False(t, o.isCommitOnly())
	assert.True(t, o.isUntrusted())
}

func TestSplitRefsSeparatesChecksumsFromNames(t *testing.T) {
	commit := objid.Sum([]byte("commit"))
	refs := []string{"stable", commit.String(), "main"}
	overrides := []string{"override-stable", "", "override-main"}

	named, namedOverrides, commits, err := splitRefs(refs, overrides)
	require.NoError(t, err)

	assert.Equal(t, []string{"stable", "main"}, named)
	assert.Equal(t, []string{"override-stable", "override-main"}, namedOverrides)
	require.Len(t, commits, 1)
	assert.Equal(t, commit, commits[0])
}

func TestSplitRefsTreatsShortStringsAsNamedRefs(t *testing.T) {
	named, _, commits, err := splitRefs([]string{"0123"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0123"}, named)
	assert.Empty(t, commits)
}
