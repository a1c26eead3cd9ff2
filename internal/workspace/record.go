// Package workspace scans, watches and materializes a synchronized
// directory tree.
package workspace

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// FileRecord is the synchronized state of one path.
type FileRecord struct {
	// Path is relative to the workspace root and slash-separated.
	Path    string
	Hash    string
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
	Dir     bool

	// Chunks lists the content-defined chunk hashes of a large file.
	Chunks []string
}

// Same reports whether r and o describe identical content and permissions.
func (r FileRecord) Same(o FileRecord) bool {
	return r.Dir == o.Dir && r.Hash == o.Hash && r.Mode.Perm() == o.Mode.Perm()
}

// Snapshot maps relative paths to records.
type Snapshot map[string]FileRecord

// Clone returns a shallow copy.
func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Under returns the paths strictly below dir.
func (s Snapshot) Under(dir string) []string {
	prefix := dir + "/"
	var out []string
	for p := range s {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Op is the kind of a filesystem change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
	OpRename
	// OpRescan means events were lost and the whole tree must be compared.
	OpRescan
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	case OpRescan:
		return "rescan"
	default:
		return "unknown"
	}
}

// ChangeEvent is a coalesced filesystem change. For OpRename, Path is the
// path that went away; OldPath is set when the destination is known.
type ChangeEvent struct {
	Op      Op
	Path    string
	OldPath string
}

// Depth returns the number of path elements in a slash-separated path.
func Depth(p string) int {
	if p == "" || p == "." {
		return 0
	}
	return strings.Count(path.Clean(p), "/") + 1
}
