package session

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
}

func TestLoadPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.txt")
	content := `# Temp files
*.tmp

debug_*
  *.notes
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	patterns, err := LoadPatterns(path)
	if err != nil {
		t.Fatalf("LoadPatterns failed: %v", err)
	}
	want := []string{"*.tmp", "debug_*", "*.notes"}
	if !reflect.DeepEqual(patterns, want) {
		t.Errorf("patterns = %v, want %v", patterns, want)
	}
}

func TestLoadPatternsMissingFile(t *testing.T) {
	patterns, err := LoadPatterns(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("missing pattern file must not error: %v", err)
	}
	if patterns != nil {
		t.Errorf("expected no patterns, got %v", patterns)
	}
}

func TestScanWorkspace(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":                  "package main",
		"scratch.tmp":              "",
		"sub/debug_trace.log":      "",
		"node_modules/x/a.tmp":     "",
		".git/objects/b.tmp":       "",
		".harness/state/c.tmp":     "",
		"vendor/pkg/d.tmp":         "",
		"sub/deeper/notes_WIP.tmp": "",
	})

	violations, err := ScanWorkspace(root, []string{"*.tmp", "debug_*"})
	if err != nil {
		t.Fatalf("ScanWorkspace failed: %v", err)
	}

	want := []string{
		"scratch.tmp",
		filepath.Join("sub", "debug_trace.log"),
		filepath.Join("sub", "deeper", "notes_WIP.tmp"),
	}
	if !reflect.DeepEqual(violations, want) {
		t.Errorf("violations = %v, want %v", violations, want)
	}
}

func TestScanWorkspaceNoPatterns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"scratch.tmp": ""})

	violations, err := ScanWorkspace(root, nil)
	if err != nil {
		t.Fatalf("ScanWorkspace failed: %v", err)
	}
	if violations != nil {
		t.Errorf("no patterns must scan nothing, got %v", violations)
	}
}

func TestScanWorkspaceInvalidPattern(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": ""})

	if _, err := ScanWorkspace(root, []string{"[unclosed"}); err == nil {
		t.Error("invalid pattern must fail the scan")
	}
}
