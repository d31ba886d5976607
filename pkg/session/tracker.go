// Package session tracks the workspace-level session lock and enforces
// cleanup discipline on session closure.
//
// The lock record is the only cross-invocation shared mutable state in the
// harness. Invocations are separate OS processes, so mutual exclusion relies
// on the atomicity of create-exclusive file operations rather than in-memory
// locking: Init claims the slot with O_CREATE|O_EXCL, and a reader that
// observes an expired lock performs the expiry write itself before treating
// the slot as free.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"harness/pkg/config"
	"harness/pkg/eventlog"
	"harness/pkg/logx"
	"harness/pkg/metrics"
)

// Session status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// Audit event names written to sessions.jsonl.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
)

// ErrSessionExists is returned when an active session with a different issue
// reference already holds the workspace lock.
var ErrSessionExists = errors.New("active session already exists")

// CleanupViolationError is raised when session closure is blocked by leftover
// workspace artifacts. Callers catch it specifically to offer clean-then-retry
// or force-close paths.
type CleanupViolationError struct {
	Violations []string
}

func (e *CleanupViolationError) Error() string {
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, "  - "+v)
	}
	return "session cleanup incomplete:\n" + strings.Join(lines, "\n")
}

// Session is the on-disk lock record asserting protocol-governed work is in
// progress. At most one active record exists per workspace.
type Session struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"` // simple or full
	IssueID   string     `json:"issue_id"`
	StartedAt time.Time  `json:"started_at"`
	Status    string     `json:"status"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Tracker owns the session lock for one workspace root.
type Tracker struct {
	workspace string
	ttl       time.Duration
	patterns  string // workspace-relative cleanup pattern file
	log       *eventlog.Writer
	logger    *logx.Logger
}

// NewTracker creates a tracker rooted at the given workspace using the loaded
// config for TTL and pattern file resolution.
func NewTracker(workspace string) (*Tracker, error) {
	cfg := config.Get()

	sessionDir := filepath.Join(workspace, config.SessionDirName)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	log, err := eventlog.NewWriter(filepath.Join(sessionDir, config.SessionLogName))
	if err != nil {
		return nil, err
	}

	return &Tracker{
		workspace: workspace,
		ttl:       time.Duration(cfg.Session.TTL),
		patterns:  cfg.Session.PatternsFile,
		log:       log,
		logger:    logx.NewLogger("session"),
	}, nil
}

func (t *Tracker) lockPath() string {
	return filepath.Join(t.workspace, config.SessionDirName, config.SessionLockName)
}

// Init starts a new session, claiming the workspace lock atomically.
// Re-initializing with the same issue reference is idempotent and returns the
// existing session id; a different reference fails with ErrSessionExists.
func (t *Tracker) Init(mode, issueID string) (string, error) {
	// Two attempts: the second runs after this process performed the expiry
	// write for a stale lock. Losing the create race twice means another
	// process owns the slot.
	for attempt := 0; attempt < 2; attempt++ {
		session := Session{
			ID:        fmt.Sprintf("sess_%d", time.Now().UnixNano()),
			Mode:      mode,
			IssueID:   issueID,
			StartedAt: time.Now().UTC(),
			Status:    StatusActive,
		}

		created, err := t.tryCreateLock(&session)
		if err != nil {
			return "", err
		}
		if created {
			t.appendEvent(EventSessionStarted, &session)
			metrics.Sessions.WithLabelValues("started").Inc()
			t.logger.Info("Session %s started (mode=%s, issue=%s)", session.ID, mode, issueID)
			return session.ID, nil
		}

		existing, err := t.readLock()
		if err != nil {
			// Corrupt or vanished lock: clear it and retry the create.
			t.logger.Warn("Removing unreadable session lock: %v", err)
			_ = os.Remove(t.lockPath())
			continue
		}

		if t.isExpired(existing) {
			if err := t.expire(existing); err != nil {
				return "", err
			}
			continue
		}

		if existing.Status == StatusActive {
			if existing.IssueID == issueID {
				return existing.ID, nil
			}
			return "", fmt.Errorf("%w for issue %s; close it first before starting a new one",
				ErrSessionExists, existing.IssueID)
		}

		// Non-active lock left behind; clear and retry.
		_ = os.Remove(t.lockPath())
	}

	return "", fmt.Errorf("%w: lost session lock race", ErrSessionExists)
}

// tryCreateLock atomically claims the lock slot. Returns false without error
// when another process already holds it.
func (t *Tracker) tryCreateLock(session *Session) (bool, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return false, fmt.Errorf("failed to marshal session: %w", err)
	}

	file, err := os.OpenFile(t.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create session lock: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(data); err != nil {
		_ = os.Remove(t.lockPath())
		return false, fmt.Errorf("failed to write session lock: %w", err)
	}
	if err := file.Sync(); err != nil {
		return false, fmt.Errorf("failed to sync session lock: %w", err)
	}
	return true, nil
}

func (t *Tracker) readLock() (*Session, error) {
	data, err := os.ReadFile(t.lockPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read session lock: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session lock: %w", err)
	}
	return &session, nil
}

func (t *Tracker) isExpired(session *Session) bool {
	return session.Status == StatusActive && time.Since(session.StartedAt) > t.ttl
}

// expire closes a stale session with status=expired. Performed by whichever
// reader first observes the stale lock.
func (t *Tracker) expire(session *Session) error {
	now := time.Now().UTC()
	session.Status = StatusExpired
	session.EndedAt = &now
	t.appendEvent(EventSessionEnded, session)
	metrics.Sessions.WithLabelValues(StatusExpired).Inc()
	t.logger.Info("Session %s expired (started %s)", session.ID, session.StartedAt.Format(time.RFC3339))

	if err := os.Remove(t.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove expired session lock: %w", err)
	}
	return nil
}

// HasActive reports whether an unexpired active session holds the lock.
// Observing a stale lock expires it as a side effect of the read.
func (t *Tracker) HasActive() bool {
	session, err := t.readLock()
	if err != nil {
		return false
	}
	if t.isExpired(session) {
		if err := t.expire(session); err != nil {
			t.logger.Warn("Failed to expire stale session: %v", err)
		}
		return false
	}
	return session.Status == StatusActive
}

// Get returns the current active session, or nil when none exists.
func (t *Tracker) Get() *Session {
	if !t.HasActive() {
		return nil
	}
	session, err := t.readLock()
	if err != nil {
		return nil
	}
	return session
}

// Close ends the current session with status=completed. When validateCleanup
// is true the workspace scan must come back empty or Close fails with a
// *CleanupViolationError carrying the violation list; callers may retry with
// validateCleanup=false to force-close.
func (t *Tracker) Close(validateCleanup bool) error {
	session, err := t.readLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // nothing to close
		}
		return err
	}

	// A lock already past the TTL ends as expired, same as a lazy-expiry read.
	if t.isExpired(session) {
		return t.expire(session)
	}

	if validateCleanup && !cleanupSkipped() {
		violations, scanErr := t.Scan()
		if scanErr != nil {
			return scanErr
		}
		if len(violations) > 0 {
			metrics.CleanupViolations.WithLabelValues("session").Add(float64(len(violations)))
			return &CleanupViolationError{Violations: violations}
		}
	}

	now := time.Now().UTC()
	session.Status = StatusCompleted
	session.EndedAt = &now
	t.appendEvent(EventSessionEnded, session)
	metrics.Sessions.WithLabelValues(StatusCompleted).Inc()
	t.logger.Info("Session %s closed", session.ID)

	if err := os.Remove(t.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session lock: %w", err)
	}
	return nil
}

// cleanupSkipped honors the CI escape hatches.
func cleanupSkipped() bool {
	return os.Getenv("RUNNING_IN_CI") != "" || os.Getenv("HARNESS_SKIP_CLEANUP") != ""
}

// Scan runs the workspace cleanliness scan with the configured pattern list.
func (t *Tracker) Scan() ([]string, error) {
	patterns, err := LoadPatterns(filepath.Join(t.workspace, t.patterns))
	if err != nil {
		return nil, err
	}
	return ScanWorkspace(t.workspace, patterns)
}

// appendEvent writes an audit record; audit failures are logged, not fatal.
func (t *Tracker) appendEvent(event string, session *Session) {
	record := map[string]any{
		"event":      event,
		"id":         session.ID,
		"mode":       session.Mode,
		"issue_id":   session.IssueID,
		"started_at": session.StartedAt,
		"status":     session.Status,
	}
	if session.EndedAt != nil {
		record["ended_at"] = session.EndedAt
	}
	if err := t.log.Append(record); err != nil {
		t.logger.Warn("Failed to append session event: %v", err)
	}
}
