package workspace

import (
	"encoding/hex"
	"path/filepath"
	"regexp"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ID names the server-side directory of a client workspace:
// <base>-<hash8>@<host>, where hash8 identifies host and absolute path.
func ID(host, absPath string) string {
	h := newHasher(idDomainKey)
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(filepath.ToSlash(absPath)))
	sum := hex.EncodeToString(h.Sum(nil))[:8]

	base := unsafeName.ReplaceAllString(filepath.Base(absPath), "_")
	if base == "" || base == "." || base == ".." || base == "_" {
		base = "workspace"
	}
	return base + "-" + sum + "@" + unsafeName.ReplaceAllString(host, "_")
}

// ValidID reports whether id can be used as a single directory name.
func ValidID(id string) bool {
	return id != "" && id != "." && id != ".." && !unsafeID.MatchString(id)
}

var unsafeID = regexp.MustCompile(`[^A-Za-z0-9._@-]`)
