// Package metalink implements the metalink resolver collaborator (spec
// §1, §6): indirection pointing at a list of mirror URLs and an expected
// summary digest. No pack repository implements metalink (see DESIGN.md);
// this is the minimal stdlib-based resolver the spec's external-collaborator
// contract requires.
package metalink

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
)

// Resolver resolves a metalink URI to a candidate mirror list.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (*Result, error)
}

// Result is the resolved set of mirrors plus the metalink's expected
// summary digest, if any.
type Result struct {
	Mirrors       []string
	SummaryDigest string // hex checksum, empty if not advertised
}

type doc struct {
	XMLName xml.Name `xml:"metalink"`
	Files   []file   `xml:"files>file"`
}

type file struct {
	Name    string `xml:"name,attr"`
	Hashes  []hash `xml:"verification>hash"`
	Urls    []url  `xml:"resources>url"`
}

type hash struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type url struct {
	Priority int    `xml:"priority,attr"`
	Value    string `xml:",chardata"`
}

// XMLResolver fetches and parses an RFC 5854 metalink document using the
// Fetcher adapter (not this package's own HTTP client, so the same TLS and
// proxy config apply).
type XMLResolver struct {
	Fetch func(ctx context.Context, uri string) ([]byte, error)
}

// Resolve implements Resolver.
func (r *XMLResolver) Resolve(ctx context.Context, uri string) (*Result, error) {
	b, err := r.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("metalink: fetching %s: %w", uri, err)
	}
	var d doc
	if err := xml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("metalink: parsing %s: %w", uri, err)
	}
	if len(d.Files) == 0 {
		return nil, fmt.Errorf("metalink: %s declares no files", uri)
	}
	f := d.Files[0]

	urls := append([]url(nil), f.Urls...)
	sort.SliceStable(urls, func(i, j int) bool { return urls[i].Priority < urls[j].Priority })

	res := &Result{}
	for _, u := range urls {
		res.Mirrors = append(res.Mirrors, u.Value)
	}
	for _, h := range f.Hashes {
		if h.Type == "sha-256" {
			res.SummaryDigest = h.Value
		}
	}
	if len(res.Mirrors) == 0 {
		return nil, fmt.Errorf("metalink: %s declares no mirrors", uri)
	}
	return res, nil
}
