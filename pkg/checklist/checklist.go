// Package checklist implements the rule-set driven compliance validator engine.
//
// A checklist document binds named checks to registered validator functions.
// Running a phase executes every check in declared order and folds the results
// into blockers and warnings; only blockers prevent phase advancement.
package checklist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"harness/pkg/logx"
	"harness/pkg/metrics"
)

// Check severity levels.
const (
	SeverityBlocker = "BLOCKER"
	SeverityWarning = "WARNING"
)

// Validator is the contract every rule body implements. A non-nil error means
// the validator itself faulted (as opposed to legitimately failing); faults
// are always surfaced as blockers so a broken rule can never silently pass.
type Validator func(args []string) (passed bool, msg string, err error)

// Check is one entry in a checklist phase, binding a validator to static args.
type Check struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Type        string   `json:"type"` // BLOCKER or WARNING
	Validator   string   `json:"validator"`
	Args        []string `json:"-"`
}

// Phase is a named, ordered rule set for one protocol phase.
type Phase struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"` // MANDATORY or OPTIONAL
	Description string  `json:"description,omitempty"`
	Checks      []Check `json:"checks"`
}

// Result is the ephemeral outcome of one phase run. It is never persisted;
// callers fold it into their own audit trail.
type Result struct {
	Passed   bool
	Blockers []string
	Warnings []string
}

// Manager resolves rule sets and dispatches checks to registered validators.
type Manager struct {
	dir        string
	validators map[string]Validator
	logger     *logx.Logger
	mu         sync.RWMutex
}

// NewManager creates a checklist manager reading documents from dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:        dir,
		validators: make(map[string]Validator),
		logger:     logx.NewLogger("checklist"),
	}
}

// RegisterValidator binds a validator name used by checklist documents to a
// function. Later registrations replace earlier ones.
func (m *Manager) RegisterValidator(name string, fn Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[name] = fn
}

// document mirrors the on-disk checklist shape. Only phases[0] is used.
type document struct {
	Phases []rawPhase `json:"phases"`
}

type rawPhase struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	Checks      []rawCheck `json:"checks"`
}

type rawCheck struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Type        string            `json:"type"`
	Validator   string            `json:"validator"`
	Args        []json.RawMessage `json:"args"`
}

// Load reads and parses the checklist document for a phase name. The document
// is re-read on every call so rule edits between runs take effect immediately.
// Returns nil when no document exists for the name.
func (m *Manager) Load(phaseName string) (*Phase, error) {
	path := filepath.Join(m.dir, phaseName+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checklist %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse checklist %s: %w", path, err)
	}
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("checklist %s has no phases", path)
	}

	raw := doc.Phases[0]
	phase := &Phase{
		ID:          raw.ID,
		Name:        raw.Name,
		Status:      raw.Status,
		Description: raw.Description,
		Checks:      make([]Check, 0, len(raw.Checks)),
	}
	for i := range raw.Checks {
		rc := &raw.Checks[i]
		args, err := normalizeArgs(rc.Args)
		if err != nil {
			return nil, fmt.Errorf("checklist %s check %q: %w", path, rc.ID, err)
		}
		phase.Checks = append(phase.Checks, Check{
			ID:          rc.ID,
			Description: rc.Description,
			Type:        rc.Type,
			Validator:   rc.Validator,
			Args:        args,
		})
	}
	return phase, nil
}

// normalizeArgs converts document args (strings or ints) to their string form.
func normalizeArgs(raw []json.RawMessage) ([]string, error) {
	args := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			args = append(args, s)
			continue
		}
		var n int64
		if err := json.Unmarshal(r, &n); err == nil {
			args = append(args, strconv.FormatInt(n, 10))
			continue
		}
		return nil, fmt.Errorf("unsupported arg %s (must be string or int)", string(r))
	}
	return args, nil
}

// RunCheck executes a single check, converting validator faults and panics
// into failed results with the validator name and error text embedded.
func (m *Manager) RunCheck(check *Check) (passed bool, msg string) {
	m.mu.RLock()
	validator, ok := m.validators[check.Validator]
	m.mu.RUnlock()

	if !ok {
		return false, fmt.Sprintf("Validator '%s' not registered", check.Validator)
	}

	defer func() {
		if r := recover(); r != nil {
			passed = false
			msg = fmt.Sprintf("Error running validator '%s': panic: %v", check.Validator, r)
		}
	}()

	ok, msg, err := validator(check.Args)
	if err != nil {
		return false, fmt.Sprintf("Error running validator '%s': %v", check.Validator, err)
	}
	if msg == "" {
		if ok {
			msg = "Check passed"
		} else {
			msg = "Check failed"
		}
	}
	return ok, msg
}

// RunPhase loads the named rule set and executes every check in declared
// order. Passed is true iff no BLOCKER check failed; warnings never block.
// A missing document fails the phase with a blocker naming the checklist.
func (m *Manager) RunPhase(phaseName string) Result {
	result, ok := m.RunPhaseIfPresent(phaseName)
	if !ok {
		return Result{Passed: false, Blockers: []string{fmt.Sprintf("Checklist '%s' not found", phaseName)}}
	}
	return result
}

// RunPhaseIfPresent is RunPhase for optional rule sets: a missing document
// returns ok=false instead of a missing-checklist blocker. The document is
// loaded exactly once per run.
func (m *Manager) RunPhaseIfPresent(phaseName string) (Result, bool) {
	phase, err := m.Load(phaseName)
	if err != nil {
		return Result{Passed: false, Blockers: []string{err.Error()}}, true
	}
	if phase == nil {
		return Result{}, false
	}

	result := Result{}
	for i := range phase.Checks {
		check := &phase.Checks[i]
		passed, msg := m.RunCheck(check)
		if passed {
			continue
		}
		finding := fmt.Sprintf("%s: %s", check.Description, msg)
		if check.Type == SeverityBlocker {
			result.Blockers = append(result.Blockers, finding)
			metrics.ChecklistFindings.WithLabelValues(phaseName, SeverityBlocker).Inc()
		} else {
			result.Warnings = append(result.Warnings, finding)
			metrics.ChecklistFindings.WithLabelValues(phaseName, SeverityWarning).Inc()
		}
	}

	result.Passed = len(result.Blockers) == 0
	outcome := "passed"
	if !result.Passed {
		outcome = "blocked"
	}
	metrics.ChecklistRuns.WithLabelValues(phaseName, outcome).Inc()
	m.logger.Debug("Phase %s: passed=%v blockers=%d warnings=%d",
		phaseName, result.Passed, len(result.Blockers), len(result.Warnings))

	return result, true
}
