package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"harness/pkg/config"
	"harness/pkg/eventlog"
)

// ErrInitAborted is returned when the user aborts session initialization at
// the leftover-artifact prompt.
var ErrInitAborted = fmt.Errorf("session initialization aborted by user")

// HandleStartViolations deals with leftover artifacts found by the soft scan
// at session start. On a terminal it offers clean / continue / abort; without
// one it continues with the override logged, since blocking a non-interactive
// caller on stdin would hang automation.
func (t *Tracker) HandleStartViolations(violations []string) error {
	if len(violations) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stderr, "\nWARNING: Leftover artifacts from previous session:")
	shown := violations
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, v := range shown {
		fmt.Fprintf(os.Stderr, "  - %s\n", v)
	}
	if len(violations) > 10 {
		fmt.Fprintf(os.Stderr, "  ... and %d more\n", len(violations)-10)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		t.logger.Warn("Continuing with %d leftover artifacts (non-interactive)", len(violations))
		return t.logOverride("session_start", violations)
	}

	fmt.Fprintln(os.Stderr, "\nOptions:")
	fmt.Fprintln(os.Stderr, "1. Clean up now (recommended)")
	fmt.Fprintln(os.Stderr, "2. Continue anyway (must clean before close)")
	fmt.Fprintln(os.Stderr, "3. Abort")
	fmt.Fprint(os.Stderr, "\nEnter choice [1-3]: ")

	choice, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		choice = "2"
	}

	switch strings.TrimSpace(choice) {
	case "1":
		t.cleanupViolations(violations)
		fmt.Fprintln(os.Stderr, "Cleanup complete")
		return nil
	case "3":
		return ErrInitAborted
	default:
		fmt.Fprintln(os.Stderr, "Continuing with violations (must clean before close)")
		return t.logOverride("session_start", violations)
	}
}

// cleanupViolations removes matched files; failures are reported but not fatal.
func (t *Tracker) cleanupViolations(violations []string) {
	for _, v := range violations {
		path := filepath.Join(t.workspace, v)
		if err := os.RemoveAll(path); err != nil {
			t.logger.Warn("Could not remove %s: %v", v, err)
		}
	}
}

// logOverride records a cleanup override in the audit log.
func (t *Tracker) logOverride(checkpoint string, violations []string) error {
	writer, err := eventlog.NewWriter(filepath.Join(t.workspace, config.HarnessDir, config.OverrideLogFilename))
	if err != nil {
		return err
	}

	sample := violations
	if len(sample) > 5 {
		sample = sample[:5]
	}
	return writer.Append(map[string]any{
		"timestamp":        time.Now().UTC(),
		"checkpoint":       checkpoint,
		"violations_count": len(violations),
		"violations":       sample,
	})
}
