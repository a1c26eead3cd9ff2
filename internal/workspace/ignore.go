package workspace

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// Ignore files read from the workspace root.
const (
	GitIgnoreFile    = ".gitignore"
	WstermIgnoreFile = ".wstermignore"
)

// tempPrefix marks in-flight atomic writes; such files are never synchronized.
const tempPrefix = ".wsterm-tmp-"

var defaultIgnores = []string{".git/", "*.pyc"}

// Ignore decides which paths are left out of synchronization.
type Ignore struct {
	matcher *ignore.GitIgnore
}

// LoadIgnore compiles the built-in rules plus the workspace's ignore files.
func LoadIgnore(root string) (*Ignore, error) {
	lines := append([]string(nil), defaultIgnores...)
	for _, name := range []string{GitIgnoreFile, WstermIgnoreFile} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	return NewIgnore(lines...), nil
}

// NewIgnore compiles gitignore-style lines.
func NewIgnore(lines ...string) *Ignore {
	return &Ignore{matcher: ignore.CompileIgnoreLines(lines...)}
}

// Match reports whether the slash-separated relative path is ignored.
func (i *Ignore) Match(rel string, dir bool) bool {
	if strings.HasPrefix(pathBase(rel), tempPrefix) {
		return true
	}
	if i == nil || i.matcher == nil {
		return false
	}
	if dir {
		return i.matcher.MatchesPath(rel + "/")
	}
	return i.matcher.MatchesPath(rel)
}

// IsIgnoreFile reports whether rel is one of the files that define ignore rules.
func IsIgnoreFile(rel string) bool {
	return rel == GitIgnoreFile || rel == WstermIgnoreFile
}

func pathBase(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}
