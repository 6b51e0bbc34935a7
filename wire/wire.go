// Package wire defines the deterministic binary encoding of the objects the
// pull engine moves over the network: commits, dir-trees and the summary
// (spec §3). The static-delta superblock has its own codec in package
// delta. Encoding is CBOR,
// following the same "deterministic, self-describing binary variant" role
// that github.com/fxamacker/cbor/v2 plays for the trie payloads in
// optakt-flow-dps's encoding/zbor package.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/objrepo/pullengine/objid"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical encode mode: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{
		// Superblocks carry nested part headers and fallback-object lists;
		// the default depth is plenty, but keep it explicit.
		MaxNestedLevels: 16,
	}
	d, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building decode mode: %v", err))
	}
	decMode = d
}

// Commit is the decoded form of a COMMIT object (spec §3).
type Commit struct {
	Parent       objid.Digest `cbor:"1,keyasint"`
	TreeContents objid.Digest `cbor:"2,keyasint"`
	TreeMeta     objid.Digest `cbor:"3,keyasint"`
	Metadata     []byte       `cbor:"4,keyasint"`
	Timestamp    uint64       `cbor:"5,keyasint"`
}

// HasParent reports whether this commit is not the root of its history.
func (c *Commit) HasParent() bool { return !c.Parent.IsZero() }

// DecodeCommit decodes a commit variant, as produced by the remote or
// embedded in a static-delta superblock (spec §4.6).
func DecodeCommit(b []byte) (*Commit, error) {
	var c Commit
	if err := decMode.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("wire: decode commit: %w", err)
	}
	return &c, nil
}

// EncodeCommit is the inverse of DecodeCommit, used by tests and by the
// reference store implementation.
func EncodeCommit(c *Commit) ([]byte, error) {
	b, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: encode commit: %w", err)
	}
	return b, nil
}

// FileEntry is one file entry in a DirTree (spec §3).
type FileEntry struct {
	Name   string       `cbor:"1,keyasint"`
	Digest objid.Digest `cbor:"2,keyasint"`
}

// SubdirEntry is one subdirectory entry in a DirTree (spec §3).
type SubdirEntry struct {
	Name     string       `cbor:"1,keyasint"`
	Tree     objid.Digest `cbor:"2,keyasint"`
	Metadata objid.Digest `cbor:"3,keyasint"`
}

// DirTree is the decoded form of a DIR_TREE object: ordered file and subdir
// entries (spec §3).
type DirTree struct {
	Files   []FileEntry   `cbor:"1,keyasint"`
	Subdirs []SubdirEntry `cbor:"2,keyasint"`
}

// DecodeDirTree decodes a dir-tree variant.
func DecodeDirTree(b []byte) (*DirTree, error) {
	var t DirTree
	if err := decMode.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("wire: decode dirtree: %w", err)
	}
	return &t, nil
}

// EncodeDirTree is the inverse of DecodeDirTree.
func EncodeDirTree(t *DirTree) ([]byte, error) {
	b, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("wire: encode dirtree: %w", err)
	}
	return b, nil
}

// RefEntry is one entry of a Summary's sorted refs list (spec §3).
type RefEntry struct {
	Name       string       `cbor:"1,keyasint"`
	CommitSize uint64       `cbor:"2,keyasint"`
	Commit     objid.Digest `cbor:"3,keyasint"`
}

// Summary is the decoded form of the `summary` file (spec §3): a
// lexicographically sorted ref list plus extra metadata, of which this
// module interprets only the "ostree.static-deltas" map.
type Summary struct {
	Refs           []RefEntry        `cbor:"1,keyasint"`
	StaticDeltas   map[string]string `cbor:"2,keyasint"` // delta name -> hex digest
	ExtraMetadata  map[string][]byte `cbor:"3,keyasint,omitempty"`
}

// DecodeSummary decodes a summary variant and validates that Refs is sorted,
// so ResolveRef's binary search (spec §4.5) is safe to rely on.
func DecodeSummary(b []byte) (*Summary, error) {
	var s Summary
	if err := decMode.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("wire: decode summary: %w", err)
	}
	for i := 1; i < len(s.Refs); i++ {
		if s.Refs[i-1].Name >= s.Refs[i].Name {
			return nil, fmt.Errorf("wire: summary refs not sorted at index %d (%q >= %q)", i, s.Refs[i-1].Name, s.Refs[i].Name)
		}
	}
	return &s, nil
}

// EncodeSummary is the inverse of DecodeSummary.
func EncodeSummary(s *Summary) ([]byte, error) {
	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("wire: encode summary: %w", err)
	}
	return b, nil
}

// ResolveRef binary-searches a sorted Summary.Refs for name.
func (s *Summary) ResolveRef(name string) (*RefEntry, bool) {
	lo, hi := 0, len(s.Refs)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case s.Refs[mid].Name == name:
			return &s.Refs[mid], true
		case s.Refs[mid].Name < name:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, false
}
