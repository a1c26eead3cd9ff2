package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
}

// TestScanIgnoreRules tests default rules, .gitignore and symlinks
func TestScanIgnoreRules(t *testing.T) {
	root, err := os.MkdirTemp("", "workspace-scan")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)

	writeTree(t, root, map[string]string{
		".gitignore":       "build/\n*.log\n",
		".wstermignore":    "secret.txt\n",
		"main.go":          "package main\n",
		"mod.pyc":          "bytecode",
		".git/HEAD":        "ref",
		"build/out.bin":    "bin",
		"logs/app.log":     "log",
		"logs/keep.txt":    "keep",
		"secret.txt":       "s",
		"nested/deep/a.go": "package deep\n",
	})
	os.Mkdir(filepath.Join(root, "empty"), 0o755)
	os.Symlink(filepath.Join(root, "main.go"), filepath.Join(root, "link.go"))

	ign, err := LoadIgnore(root)
	if err != nil {
		t.Fatalf("LoadIgnore failed: %v", err)
	}
	snap, err := Scan(root, ign, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []string{".gitignore", ".wstermignore", "main.go", "logs", "logs/keep.txt", "nested", "nested/deep", "nested/deep/a.go", "empty"}
	for _, p := range want {
		if _, ok := snap[p]; !ok {
			t.Errorf("Expected %s in snapshot", p)
		}
	}
	for _, p := range []string{"mod.pyc", ".git", ".git/HEAD", "build", "build/out.bin", "logs/app.log", "secret.txt", "link.go"} {
		if _, ok := snap[p]; ok {
			t.Errorf("Expected %s to be ignored", p)
		}
	}
	if len(snap) != len(want) {
		t.Errorf("Expected %d entries, got %d", len(want), len(snap))
	}
}

// TestScanReusesHash tests that unchanged files are not re-hashed
func TestScanReusesHash(t *testing.T) {
	root, err := os.MkdirTemp("", "workspace-scan")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)
	writeTree(t, root, map[string]string{"a.txt": "alpha"})

	first, err := Scan(root, nil, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	prev := first.Clone()
	rec := prev["a.txt"]
	rec.Hash = "cached"
	prev["a.txt"] = rec

	second, _ := Scan(root, nil, prev)
	if second["a.txt"].Hash != "cached" {
		t.Errorf("Expected cached hash to be reused, got %s", second["a.txt"].Hash)
	}

	later := time.Now().Add(time.Minute)
	os.Chtimes(filepath.Join(root, "a.txt"), later, later)
	third, _ := Scan(root, nil, prev)
	if third["a.txt"].Hash != HashBytes([]byte("alpha")) {
		t.Errorf("Expected re-hash after mtime change, got %s", third["a.txt"].Hash)
	}
}

// TestStat tests single path lookups
func TestStat(t *testing.T) {
	root, err := os.MkdirTemp("", "workspace-scan")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)
	writeTree(t, root, map[string]string{"dir/a.txt": "a", "node_modules/x.js": "x"})
	ign := NewIgnore("node_modules/")

	if rec, ok, err := Stat(root, "dir/a.txt", ign, nil); err != nil || !ok || rec.Size != 1 {
		t.Errorf("Expected dir/a.txt, got %+v %v %v", rec, ok, err)
	}
	if _, ok, _ := Stat(root, "missing", ign, nil); ok {
		t.Error("Expected missing path to be absent")
	}
	if _, ok, _ := Stat(root, "node_modules/x.js", ign, nil); ok {
		t.Error("Expected file below an ignored directory to be absent")
	}
}
