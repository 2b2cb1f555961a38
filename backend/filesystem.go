package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const tempPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes land in a temp file in the destination directory and are published
// with a hard link, so a crash mid-write never leaves a partial object under
// its final name.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Create publishes data at the given key if nothing is there yet.
func (fs *Filesystem) Create(ctx context.Context, key string, r io.Reader) error {
	path := fs.keyToPath(key)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	_, statErr := os.Stat(dir)
	newDir := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// The temp name is never needed after this call, published or not.
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := fs.publish(tmpPath, path); err != nil {
		return err
	}

	// Make the new name durable before the caller records a reference.
	if err := syncDir(dir); err != nil {
		return err
	}
	if newDir {
		return syncDir(filepath.Dir(dir))
	}
	return nil
}

// syncDir flushes directory entries so a link or rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", dir, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

// publish links tmpPath to path without replacing an existing file.
func (fs *Filesystem) publish(tmpPath, path string) error {
	err := os.Link(tmpPath, path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrExist):
		return ErrExists
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOTSUP), errors.Is(err, unix.EXDEV):
		// No hard link support. Rename still publishes atomically; a racing
		// writer of the same key carries identical content.
		if _, statErr := os.Stat(path); statErr == nil {
			return ErrExists
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("renaming temp file: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("linking temp file: %w", err)
	}
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path := fs.keyToPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	path := fs.keyToPath(key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path := fs.keyToPath(key)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Stat returns the size and modification time of the data at the given key.
func (fs *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	return Info{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Touch bumps the modification time of the data at the given key.
func (fs *Filesystem) Touch(ctx context.Context, key string) error {
	now := time.Now()
	if err := os.Chtimes(fs.keyToPath(key), now, now); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("touching file: %w", err)
	}
	return nil
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := fs.walk(prefix, func(path string, d os.DirEntry) error {
		// Skip temp files
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// RemoveStaleTemp deletes temp files left behind by interrupted writes.
func (fs *Filesystem) RemoveStaleTemp(ctx context.Context, prefix string, before time.Time) (int, error) {
	removed := 0
	err := fs.walk(prefix, func(path string, d os.DirEntry) error {
		if !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.ModTime().Before(before) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing temp file: %w", err)
		}
		removed++
		return nil
	})
	return removed, err
}

// walk visits every regular file below the prefix.
func (fs *Filesystem) walk(prefix string, fn func(path string, d os.DirEntry) error) error {
	dir := fs.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return fn(dir, fileEntry{info})
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish between readdir and visit while blobs are
			// being deleted concurrently.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		return fn(path, d)
	})
	if err != nil {
		return fmt.Errorf("walking directory: %w", err)
	}
	return nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	// Convert forward slashes to OS-specific separator
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// fileEntry adapts os.FileInfo to os.DirEntry for single-file walks.
type fileEntry struct {
	os.FileInfo
}

func (e fileEntry) Type() os.FileMode          { return e.Mode().Type() }
func (e fileEntry) Info() (os.FileInfo, error) { return e.FileInfo, nil }

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)
