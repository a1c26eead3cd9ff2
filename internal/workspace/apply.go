package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrOutsideRoot is returned for paths that would escape the workspace root.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// Applier materializes records below a root directory. Every write goes
// through a temporary file in the target directory and a rename.
type Applier struct {
	root string
}

// NewApplier creates root if needed.
func NewApplier(root string) (*Applier, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Applier{root: abs}, nil
}

// Root returns the absolute workspace root.
func (a *Applier) Root() string {
	return a.root
}

// Resolve maps a slash-separated relative path to an absolute path below root.
func (a *Applier) Resolve(rel string) (string, error) {
	return SafeJoin(a.root, rel)
}

// SafeJoin joins rel onto root, rejecting absolute paths, the root itself
// and anything that climbs out of root.
func SafeJoin(root, rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.ContainsRune(rel, '\\') || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// WriteFile atomically replaces rel with data, then applies mode and mtime.
func (a *Applier) WriteFile(rel string, data []byte, mode fs.FileMode, mtime time.Time) error {
	target, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// A directory in the way is replaced by the file.
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(tmpName, mtime, mtime); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	committed = true
	return nil
}

// Mkdir creates rel and its parents and applies mode to rel.
func (a *Applier) Mkdir(rel string, mode fs.FileMode) error {
	target, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if mode.Perm() == 0 {
		return nil
	}
	return os.Chmod(target, mode.Perm())
}

// Remove deletes rel and everything below it. A missing path is not an error.
func (a *Applier) Remove(rel string) error {
	target, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(target)
}

// Rename moves from to to, replacing whatever is at to. It returns
// fs.ErrNotExist when from is missing.
func (a *Applier) Rename(from, to string) error {
	src, err := a.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := a.Resolve(to)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	return os.Rename(src, dst)
}

// ReadFile returns the current content of rel.
func (a *Applier) ReadFile(rel string) ([]byte, error) {
	target, err := a.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

// Manifest scans the materialized workspace.
func (a *Applier) Manifest() (Snapshot, error) {
	return Scan(a.root, nil, nil)
}

// CleanTemp removes temporary files left behind by an interrupted write.
func (a *Applier) CleanTemp() error {
	return filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			return os.Remove(p)
		}
		return nil
	})
}
