package filesync

import (
	"sort"
	"strings"

	"github.com/remote-agent-terminal/wsterm/internal/workspace"
)

type effectKind int

const (
	effectNone effectKind = iota
	effectPut
	effectDelete
	effectRename
)

// effect is what a record does to a snapshot once applied.
type effect struct {
	kind effectKind
	rec  workspace.FileRecord
	path string
	from string
}

// target is the path the effect leaves behind.
func (e effect) target() string {
	switch e.kind {
	case effectPut:
		return e.rec.Path
	default:
		return e.path
	}
}

func (e effect) apply(s workspace.Snapshot) {
	switch e.kind {
	case effectPut:
		s[e.rec.Path] = e.rec
	case effectDelete:
		removeTree(s, e.path)
	case effectRename:
		moveTree(s, e.from, e.path)
		if e.rec.Path == "" {
			return
		}
		rec := e.rec
		if old, ok := s[rec.Path]; ok && old.Hash == rec.Hash && rec.Chunks == nil {
			rec.Chunks = old.Chunks
		}
		s[rec.Path] = rec
	}
}

func removeTree(s workspace.Snapshot, p string) {
	for _, child := range s.Under(p) {
		delete(s, child)
	}
	delete(s, p)
}

func moveTree(s workspace.Snapshot, from, to string) {
	moved := make(workspace.Snapshot)
	for _, p := range append(s.Under(from), from) {
		rec, ok := s[p]
		if !ok {
			continue
		}
		rec.Path = to + strings.TrimPrefix(p, from)
		moved[rec.Path] = rec
		delete(s, p)
	}
	removeTree(s, to)
	for p, rec := range moved {
		s[p] = rec
	}
}

type renamePair struct {
	from, to string
}

// plan is one batch of changes in send order: renames, tombstones
// deepest first, directories shallowest first, then files.
type plan struct {
	renames    []renamePair
	tombstones []string
	dirs       []workspace.FileRecord
	files      []workspace.FileRecord
}

func (p plan) empty() bool {
	return len(p.renames) == 0 && len(p.tombstones) == 0 && len(p.dirs) == 0 && len(p.files) == 0
}

func (p plan) size() int {
	return len(p.renames) + len(p.tombstones) + len(p.dirs) + len(p.files)
}

// diff compares current against view for the candidate paths. current
// holds a record for every candidate that exists. Paths in forced are
// resent as if the consumer had never seen them.
func diff(view, current workspace.Snapshot, candidates []string, forced map[string]bool, pairRenames bool) plan {
	removed := make(map[string]workspace.FileRecord)
	added := make(map[string]workspace.FileRecord)
	var changed []workspace.FileRecord

	for _, p := range candidates {
		cur, ok := current[p]
		old, had := view[p]
		if forced[p] {
			had = false
		}
		switch {
		case ok && had && cur.Dir == old.Dir:
			if !cur.Same(old) {
				changed = append(changed, cur)
			}
		case ok && had:
			removed[p] = old
			added[p] = cur
		case ok:
			added[p] = cur
		case had:
			removed[p] = old
		}
	}

	var out plan
	if pairRenames {
		out.renames = pairDirs(view, current, removed, added, forced)
		out.renames = append(out.renames, pairFiles(removed, added, forced)...)
	}

	for p := range removed {
		if !hasRemovedAncestor(p, removed) {
			out.tombstones = append(out.tombstones, p)
		}
	}
	sort.Slice(out.tombstones, func(i, j int) bool {
		a, b := out.tombstones[i], out.tombstones[j]
		if da, db := workspace.Depth(a), workspace.Depth(b); da != db {
			return da > db
		}
		return a < b
	})

	for _, rec := range added {
		changed = append(changed, rec)
	}
	for _, rec := range changed {
		if rec.Dir {
			out.dirs = append(out.dirs, rec)
		} else {
			out.files = append(out.files, rec)
		}
	}
	sort.Slice(out.dirs, func(i, j int) bool {
		a, b := out.dirs[i].Path, out.dirs[j].Path
		if da, db := workspace.Depth(a), workspace.Depth(b); da != db {
			return da < db
		}
		return a < b
	})
	sort.Slice(out.files, func(i, j int) bool { return out.files[i].Path < out.files[j].Path })
	return out
}

func hasRemovedAncestor(p string, removed map[string]workspace.FileRecord) bool {
	for i := strings.LastIndexByte(p, '/'); i > 0; i = strings.LastIndexByte(p[:i], '/') {
		if rec, ok := removed[p[:i]]; ok && rec.Dir {
			return true
		}
	}
	return false
}

// displaces reports whether p or a path above it is also in removed.
// Tombstones follow renames, so such a path cannot be a rename target.
func displaces(p string, removed map[string]workspace.FileRecord) bool {
	if _, ok := removed[p]; ok {
		return true
	}
	for i := strings.LastIndexByte(p, '/'); i > 0; i = strings.LastIndexByte(p[:i], '/') {
		if _, ok := removed[p[:i]]; ok {
			return true
		}
	}
	return false
}

// pairDirs turns a removed directory and an added directory with
// identical contents into one rename.
func pairDirs(view, current workspace.Snapshot, removed, added map[string]workspace.FileRecord, forced map[string]bool) []renamePair {
	var gone, fresh []string
	for p, rec := range removed {
		if rec.Dir && !hasRemovedAncestor(p, removed) {
			gone = append(gone, p)
		}
	}
	for p, rec := range added {
		if rec.Dir && !forced[p] && !hasRemovedAncestor(p, added) && !displaces(p, removed) {
			fresh = append(fresh, p)
		}
	}
	sort.Strings(gone)
	sort.Strings(fresh)

	var pairs []renamePair
	used := make(map[string]bool)
	for _, from := range gone {
		for _, to := range fresh {
			if used[to] || view[from].Mode.Perm() != current[to].Mode.Perm() || !sameTree(view, current, from, to, forced) {
				continue
			}
			used[to] = true
			pairs = append(pairs, renamePair{from: from, to: to})
			removeTree(removed, from)
			removeTree(added, to)
			break
		}
	}
	return pairs
}

func sameTree(view, current workspace.Snapshot, from, to string, forced map[string]bool) bool {
	children := view.Under(from)
	if len(children) != len(current.Under(to)) {
		return false
	}
	for _, p := range children {
		dst := to + strings.TrimPrefix(p, from)
		cur, ok := current[dst]
		if !ok || forced[dst] || !cur.Same(view[p]) {
			return false
		}
	}
	return true
}

// pairFiles turns a removed file and an added file with the same content
// and mode into one rename.
func pairFiles(removed, added map[string]workspace.FileRecord, forced map[string]bool) []renamePair {
	byContent := make(map[string][]string)
	for p, rec := range added {
		if !rec.Dir && !forced[p] && !displaces(p, removed) {
			key := contentKey(rec)
			byContent[key] = append(byContent[key], p)
		}
	}
	for _, paths := range byContent {
		sort.Strings(paths)
	}

	var gone []string
	for p, rec := range removed {
		if !rec.Dir {
			gone = append(gone, p)
		}
	}
	sort.Strings(gone)

	var pairs []renamePair
	for _, from := range gone {
		key := contentKey(removed[from])
		candidates := byContent[key]
		if len(candidates) == 0 {
			continue
		}
		to := candidates[0]
		byContent[key] = candidates[1:]
		pairs = append(pairs, renamePair{from: from, to: to})
		delete(removed, from)
		delete(added, to)
	}
	return pairs
}

func contentKey(rec workspace.FileRecord) string {
	return rec.Hash + "/" + rec.Mode.Perm().String()
}
