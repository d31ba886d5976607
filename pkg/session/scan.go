package session

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Directories never scanned: VCS internals, dependency caches, and the
// harness's own state directories.
//
//nolint:gochecknoglobals // static exclusion set
var excludedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
	".agent":       true,
	".harness":     true,
}

func isExcludedDir(name string) bool {
	return excludedDirs[name] || strings.HasPrefix(name, ".git")
}

// LoadPatterns reads a newline-delimited glob pattern file. Blank lines and
// #-prefixed comments are ignored. A missing file yields no patterns.
func LoadPatterns(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// ScanWorkspace walks the workspace tree and returns the sorted set of
// relative paths whose base name matches any of the glob patterns.
func ScanWorkspace(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if path != root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		for _, pattern := range patterns {
			matched, matchErr := filepath.Match(pattern, d.Name())
			if matchErr != nil {
				return fmt.Errorf("invalid pattern %q: %w", pattern, matchErr)
			}
			if matched {
				rel, relErr := filepath.Rel(root, path)
				if relErr == nil {
					seen[rel] = true
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace scan failed: %w", err)
	}

	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	return violations, nil
}
