package pull

import (
	"fmt"
	"strings"

	"github.com/objrepo/pullengine/objid"
)

// Flags is the options bitfield described in spec §6.
type Flags int

const (
	FlagMirror Flags = 1 << iota
	FlagCommitOnly
	FlagUntrusted
)

// Options mirrors the keyed option map of spec §6's pull_with_options.
type Options struct {
	Refs                []string
	Flags               Flags
	Subdir              string
	OverrideRemoteName  string
	GPGVerify           bool
	GPGVerifySummary    bool
	Depth               int // >= -1; 0 = commit only, -1 = unbounded
	DisableStaticDeltas bool
	RequireStaticDeltas bool
	OverrideCommitIDs   []string // parallel to Refs; "" = no override
	DryRun              bool
	OverrideURL         string
}

func (o *Options) validate() error {
	if o.DisableStaticDeltas && o.RequireStaticDeltas {
		return newErr(KindConfiguration, "disable-static-deltas and require-static-deltas are mutually exclusive")
	}
	if o.DryRun && !o.RequireStaticDeltas {
		return newErr(KindConfiguration, "dry-run requires require-static-deltas")
	}
	if len(o.OverrideCommitIDs) != 0 && len(o.OverrideCommitIDs) != len(o.Refs) {
		return newErr(KindConfiguration, "override-commit-ids must have the same length as refs")
	}
	if o.Depth < -1 {
		return newErr(KindConfiguration, "depth must be >= -1")
	}
	if o.Subdir != "" && !strings.HasPrefix(o.Subdir, "/") {
		return newErr(KindConfiguration, "subdir must start with /")
	}
	return nil
}

func (o *Options) isMirror() bool      { return o.Flags&FlagMirror != 0 }
func (o *Options) isCommitOnly() bool  { return o.Flags&FlagCommitOnly != 0 }
func (o *Options) isUntrusted() bool   { return o.Flags&FlagUntrusted != 0 }

// splitRefs separates caller-supplied refs into checksum-shaped entries
// (which become commits_to_fetch, spec §4.5) and named refs.
func splitRefs(refs []string, overrides []string) (namedRefs []string, namedOverrides []string, commits []objid.Digest, err error) {
	for i, r := range refs {
		var override string
		if i < len(overrides) {
			override = overrides[i]
		}
		if objid.IsChecksum(r) {
			d, perr := objid.ParseDigest(r)
			if perr != nil {
				return nil, nil, nil, fmt.Errorf("pull: parsing checksum ref %q: %w", r, perr)
			}
			commits = append(commits, d)
			continue
		}
		namedRefs = append(namedRefs, r)
		namedOverrides = append(namedOverrides, override)
	}
	return namedRefs, namedOverrides, commits, nil
}
