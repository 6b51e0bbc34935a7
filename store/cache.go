package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileCache is a CacheStore backed by <dir>/summaries/<remote>[.sig] (spec
// §4.3, §5), written via atomic replace with fsync unless disabled,
// mirroring the write-then-rename pattern in the teacher's
// gitindex/clone.go config updates.
type FileCache struct {
	dir string
}

// NewFileCache opens (creating if necessary) a summary cache rooted at dir.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "summaries"), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating summary cache: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) summaryPath(remote string) string { return filepath.Join(c.dir, "summaries", remote) }
func (c *FileCache) sigPath(remote string) string      { return filepath.Join(c.dir, "summaries", remote+".sig") }

// ReadSummary implements CacheStore.
func (c *FileCache) ReadSummary(remote string) (summary, sig []byte, ok bool) {
	s, err := os.ReadFile(c.summaryPath(remote))
	if err != nil {
		return nil, nil, false
	}
	g, err := os.ReadFile(c.sigPath(remote))
	if err != nil {
		return nil, nil, false
	}
	return s, g, true
}

// WriteSummary implements CacheStore.
func (c *FileCache) WriteSummary(remote string, summary, sig []byte, fsync bool) error {
	if err := writeAtomicSynced(c.summaryPath(remote), summary, fsync); err != nil {
		return fmt.Errorf("store: cache summary for %s: %w", remote, err)
	}
	if err := writeAtomicSynced(c.sigPath(remote), sig, fsync); err != nil {
		return fmt.Errorf("store: cache summary.sig for %s: %w", remote, err)
	}
	return nil
}

func writeAtomicSynced(path string, content []byte, fsync bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
