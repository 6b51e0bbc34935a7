package pull

import (
	"context"
	"fmt"
	"strings"

	"github.com/objrepo/pullengine/metalink"
	"github.com/objrepo/pullengine/store"
	"github.com/objrepo/pullengine/transport"
	"gopkg.in/ini.v1"
)

// SupportedMode is the only core.mode value this engine accepts (spec
// §4.4).
const SupportedMode = "archive-z2"

// RemoteConfig is the subset of remote configuration keys this engine reads
// (spec §6): metalink, url, tls-permissive, tls-client-cert-path,
// tls-client-key-path, tls-ca-path, proxy, branches.
type RemoteConfig struct {
	Metalink string
	URL      string
	TLS      transport.TLSConfig
	Proxy    string
	Branches []string
}

// Source collects everything the engine needs to talk to a remote: its base
// URI, whether it is itself a local repo (the file:// fast path, spec
// §4.7), and the Fetcher to use for HTTP remotes.
type Source struct {
	Name    string
	BaseURI string
	Local   store.Store // non-nil for file:// remotes
	Fetcher transport.Fetcher

	// LocalConfig carries the raw `config` INI bytes for a file:// remote,
	// since store.Store is an object store, not a config store, and has no
	// other way to expose them (spec §4.4).
	LocalConfig []byte

	// LocalSummary/LocalSummarySig carry the raw summary/summary.sig bytes
	// for a file:// remote (spec §4.3 "read it from the local remote
	// repo"). Both empty means the local remote has no summary.
	LocalSummary    []byte
	LocalSummarySig []byte
}

func isLocalURI(uri string) bool {
	return strings.HasPrefix(uri, "file://") || strings.HasPrefix(uri, "/")
}

// loadConfig implements the Config Stage (spec §4.4): for a file:// remote,
// read mode/tombstone-commits from the local repo's own config; for HTTP
// remotes, GET <base>/config and parse it as INI.
func (c *pullContext) loadConfig(ctx context.Context, src *Source, resolver metalink.Resolver) (*RemoteConfig, error) {
	raw, err := c.fetchConfigBytes(ctx, src, resolver)
	if err != nil {
		return nil, err
	}

	f, err := ini.Load(raw)
	if err != nil {
		return nil, newErr(KindProtocol, "pull: parsing remote config: %w", err)
	}
	core := f.Section("core")
	mode := core.Key("mode").MustString(SupportedMode)
	if mode != SupportedMode {
		return nil, newErr(KindConfiguration, "pull: unsupported remote mode %q (only %q is supported)", mode, SupportedMode)
	}
	c.hasTombstoneCommits = core.Key("tombstone-commits").MustBool(false)

	remoteSec := f.Section("remote")
	cfg := &RemoteConfig{
		Metalink: remoteSec.Key("metalink").String(),
		URL:      remoteSec.Key("url").String(),
		Proxy:    remoteSec.Key("proxy").String(),
		TLS: transport.TLSConfig{
			Permissive:     remoteSec.Key("tls-permissive").MustBool(false),
			ClientCertPath: remoteSec.Key("tls-client-cert-path").String(),
			ClientKeyPath:  remoteSec.Key("tls-client-key-path").String(),
			CAPath:         remoteSec.Key("tls-ca-path").String(),
		},
	}
	if branches := remoteSec.Key("branches").Strings(";"); len(branches) > 0 {
		cfg.Branches = branches
	}
	if (cfg.TLS.ClientCertPath == "") != (cfg.TLS.ClientKeyPath == "") {
		return nil, newErr(KindConfiguration, "pull: tls-client-cert-path and tls-client-key-path must both be set or neither")
	}
	return cfg, nil
}

func (c *pullContext) fetchConfigBytes(ctx context.Context, src *Source, resolver metalink.Resolver) ([]byte, error) {
	c.addOutstandingFetch(CatConfig, 1)
	c.addRequested(CatConfig, 1)
	defer c.addOutstandingFetch(CatConfig, -1)

	if src.Local != nil {
		// file:// remote: the "config" lives alongside the remote repo, and
		// we're handed the bytes directly rather than over HTTP (spec §4.4).
		return c.localRepoConfig(src)
	}
	_ = resolver // reserved: a metalink-resolved base overrides src.BaseURI before this call in resolveSource.
	b, err := src.Fetcher.Stream(ctx, src.BaseURI+"/config", 64*1024, transport.PriorityMetadata)
	if err != nil {
		return nil, newErr(KindIO, "pull: fetching config: %w", err)
	}
	return b, nil
}

func (c *pullContext) localRepoConfig(src *Source) ([]byte, error) {
	if len(src.LocalConfig) == 0 {
		return nil, fmt.Errorf("pull: local remote %s has no config bytes set", src.Name)
	}
	return src.LocalConfig, nil
}
