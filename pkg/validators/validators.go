// Package validators provides the built-in rule bodies shipped with the
// harness. Each validator is an independent function registered by name with
// the checklist manager; rule-set documents bind checks to these names. The
// full rule catalog lives outside the engine; these are the core checks every
// workspace needs.
package validators

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"harness/pkg/checklist"
)

// gitTimeout bounds validator shell-outs; a hung external command would
// otherwise hang the whole phase run.
const gitTimeout = 10 * time.Second

// RegisterAll registers every built-in validator with the manager.
func RegisterAll(m *checklist.Manager) {
	m.RegisterValidator("gitStatusClean", GitStatusClean)
	m.RegisterValidator("commandAvailable", CommandAvailable)
	m.RegisterValidator("fileExists", FileExists)
	m.RegisterValidator("noLargeFiles", NoLargeFiles)
	m.RegisterValidator("envVarSet", EnvVarSet)
}

// GitStatusClean passes when the working tree has no uncommitted changes.
// Optional arg: repository directory (defaults to the current directory).
func GitStatusClean(args []string) (bool, string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, "", fmt.Errorf("git status failed: %w\nOutput: %s", err, string(output))
	}

	if strings.TrimSpace(string(output)) != "" {
		return false, "Uncommitted changes detected in repository", nil
	}
	return true, "Working tree clean", nil
}

// CommandAvailable passes when the named command is on PATH. Arg: command name.
func CommandAvailable(args []string) (bool, string, error) {
	if len(args) == 0 {
		return false, "", fmt.Errorf("commandAvailable requires a command name argument")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return false, fmt.Sprintf("Command '%s' not available on PATH", args[0]), nil
	}
	return true, fmt.Sprintf("Command '%s' available", args[0]), nil
}

// FileExists passes when the given path exists. Arg: path.
func FileExists(args []string) (bool, string, error) {
	if len(args) == 0 {
		return false, "", fmt.Errorf("fileExists requires a path argument")
	}
	if _, err := os.Stat(args[0]); err != nil {
		return false, fmt.Sprintf("Missing %s", args[0]), nil
	}
	return true, "", nil
}

// NoLargeFiles passes when no file under the root exceeds the size limit.
// Args: root directory, max size in bytes.
func NoLargeFiles(args []string) (bool, string, error) {
	if len(args) < 2 {
		return false, "", fmt.Errorf("noLargeFiles requires root and max-size arguments")
	}
	root := args[0]
	maxSize, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return false, "", fmt.Errorf("invalid max size %q: %w", args[1], err)
	}

	var offenders []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".git") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		info, infoErr := d.Info()
		if infoErr == nil && info.Size() > maxSize {
			rel, relErr := filepath.Rel(root, path)
			if relErr == nil {
				offenders = append(offenders, rel)
			}
		}
		return nil
	})
	if walkErr != nil {
		return false, "", fmt.Errorf("file scan failed: %w", walkErr)
	}

	if len(offenders) > 0 {
		sample := offenders
		if len(sample) > 3 {
			sample = sample[:3]
		}
		return false, fmt.Sprintf("Files over %d bytes: %s", maxSize, strings.Join(sample, ", ")), nil
	}
	return true, "No oversized files", nil
}

// EnvVarSet passes when the named environment variable is non-empty. Arg: name.
func EnvVarSet(args []string) (bool, string, error) {
	if len(args) == 0 {
		return false, "", fmt.Errorf("envVarSet requires a variable name argument")
	}
	if os.Getenv(args[0]) == "" {
		return false, fmt.Sprintf("Environment variable %s not set", args[0]), nil
	}
	return true, "", nil
}
