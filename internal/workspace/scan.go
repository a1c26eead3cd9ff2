package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Scan walks root and returns a record for every synchronized file and
// directory. A file whose size, mtime and mode match its entry in prev is
// not re-hashed. Symlinks and ignored paths are skipped.
func Scan(root string, ign *Ignore, prev Snapshot) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			// Vanished while walking.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if ign.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := record(p, rel, info, prev)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		snap[rel] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Stat returns the record for a single relative path. ok is false when the
// path does not exist, is ignored, or is not a regular file or directory.
func Stat(root, rel string, ign *Ignore, prev Snapshot) (rec FileRecord, ok bool, err error) {
	p := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return FileRecord{}, false, nil
	}
	if ign.Match(rel, info.IsDir()) || ignoredAncestor(rel, ign) {
		return FileRecord{}, false, nil
	}
	rec, err = record(p, rel, info, prev)
	if errors.Is(err, fs.ErrNotExist) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func ignoredAncestor(rel string, ign *Ignore) bool {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if ign.Match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return false
}

func record(p, rel string, info fs.FileInfo, prev Snapshot) (FileRecord, error) {
	rec := FileRecord{
		Path:    rel,
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
		Dir:     info.IsDir(),
	}
	if rec.Dir {
		return rec, nil
	}
	rec.Size = info.Size()
	if old, ok := prev[rel]; ok && !old.Dir && old.Size == rec.Size &&
		old.ModTime.Equal(rec.ModTime) && old.Mode == rec.Mode && old.Hash != "" {
		rec.Hash = old.Hash
		rec.Chunks = old.Chunks
		return rec, nil
	}
	hash, size, err := HashFile(p)
	if err != nil {
		return FileRecord{}, err
	}
	rec.Hash, rec.Size = hash, size
	return rec, nil
}
