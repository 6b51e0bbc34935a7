// This binary pulls a ref (or the whole mirror) from a remote object
// repository into a local destination repo, demonstrating
// pull.Engine.PullWithOptions wired to a store.Local destination and an
// HTTP remote.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v3"

	"github.com/objrepo/pullengine/internal/logutil"
	"github.com/objrepo/pullengine/progress"
	"github.com/objrepo/pullengine/pull"
	"github.com/objrepo/pullengine/store"
	"github.com/objrepo/pullengine/transport"
	"github.com/objrepo/pullengine/trust"
)

type refsFlag []string

func (f *refsFlag) String() string { return strings.Join(*f, ",") }
func (f *refsFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	fs := flag.NewFlagSet("pull-mirror", flag.ExitOnError)
	var (
		dest      = fs.String("dest", "", "destination repo directory (created if absent)")
		baseURL   = fs.String("url", "", "remote base URL, e.g. https://example.com/repo")
		remote    = fs.String("remote", "origin", "remote name, used for ref namespacing and keyring lookup")
		mirror    = fs.Bool("mirror", false, "mirror mode: pull every ref the summary advertises")
		commit    = fs.Bool("commit-only", false, "fetch only the commit object, no trees or content")
		untrusted = fs.Bool("untrusted", false, "treat the remote as untrusted: re-verify imported checksums")
		gpgVerify = fs.Bool("gpg-verify", false, "require a valid per-commit signature")
		gpgSum    = fs.Bool("gpg-verify-summary", false, "require a valid summary signature")
		depth     = fs.Int("depth", 0, "history depth; 0 = commit only ancestry, -1 = unbounded")
		subdir    = fs.String("subdir", "", "restrict content fetches to this path (must start with /)")
		dryRun    = fs.Bool("dry-run", false, "plan only; requires -require-static-deltas, performs no writes")
		reqDeltas = fs.Bool("require-static-deltas", false, "fail if no static delta is available")
		noDeltas  = fs.Bool("disable-static-deltas", false, "never fetch static deltas")
		tempDir   = fs.String("temp-dir", "", "scratch directory for in-flight fetches (defaults to <dest>/tmp)")
		cacheDir  = fs.String("cache-dir", "", "summary cache directory (defaults to <dest>/state/cache)")
		keyringDir = fs.String("keyring-dir", "", "directory of <remote>.asc armored public keyrings, for -gpg-verify/-gpg-verify-summary")
		dev       = fs.Bool("dev", false, "human-readable development logging")
	)
	var refs refsFlag
	fs.Var(&refs, "ref", "ref to pull; repeatable. With none set and -mirror, pulls every advertised ref.")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("PULL_MIRROR")); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}
	if *dest == "" || *baseURL == "" {
		log.Fatal("must set -dest and -url")
	}

	logger, err := logutil.New(*dev)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	if *tempDir == "" {
		*tempDir = *dest + "/tmp"
	}
	if *cacheDir == "" {
		*cacheDir = *dest + "/state/cache"
	}

	repo, err := store.NewLocal(*dest)
	if err != nil {
		log.Fatalf("opening destination repo: %v", err)
	}
	cache, err := store.NewFileCache(*cacheDir)
	if err != nil {
		log.Fatalf("opening summary cache: %v", err)
	}
	fetcher, err := transport.NewHTTPFetcher(*tempDir, nil, "")
	if err != nil {
		log.Fatalf("building HTTP fetcher: %v", err)
	}
	defer fetcher.Close()

	engine := &pull.Engine{
		Store:    repo,
		Cache:    cache,
		Verifier: &trust.OpenPGPVerifier{Keys: &fileKeyring{dir: *keyringDir}},
		Log:      logger,
	}

	var flags pull.Flags
	if *mirror {
		flags |= pull.FlagMirror
	}
	if *commit {
		flags |= pull.FlagCommitOnly
	}
	if *untrusted {
		flags |= pull.FlagUntrusted
	}

	opts := pull.Options{
		Refs:                refs,
		Flags:               flags,
		Subdir:              *subdir,
		GPGVerify:           *gpgVerify,
		GPGVerifySummary:    *gpgSum,
		Depth:               *depth,
		DisableStaticDeltas: *noDeltas,
		RequireStaticDeltas: *reqDeltas,
		DryRun:              *dryRun,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := &pull.Source{Name: *remote, BaseURI: *baseURL, Fetcher: fetcher}
	sink := &progress.LogSink{Log: logger}

	if err := engine.PullWithOptions(ctx, *remote, src, opts, sink); err != nil {
		log.Fatalf("pull failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "pull of %s complete\n", *remote)
}
