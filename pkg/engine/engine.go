// Package engine implements the protocol phase state machine.
//
// A run advances a single ProcessRecord synchronously one node at a time:
// Initialization, human Approval, Execution, Finalization, Retrospective.
// The engine halts immediately before the APPROVAL node, persists the record,
// and returns control to its caller; Resume is a separate entry point that
// continues from the persisted snapshot. The whole record is persisted after
// every node, keyed by a caller-supplied resumption key, so a run survives a
// process restart.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"harness/pkg/checklist"
	"harness/pkg/config"
	"harness/pkg/logx"
	"harness/pkg/metrics"
	"harness/pkg/persistence"
)

// Status is what an engine invocation reports back to its caller.
type Status string

const (
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusComplete         Status = "complete"
	StatusBlocked          Status = "blocked"
)

// Checklist phase names the engine runs at its nodes.
const (
	ChecklistInitialization = "initialization"
	ChecklistExecution      = "execution"
	ChecklistFinalization   = "finalization"
	ChecklistRetrospective  = "retrospective"
)

// ExecFunc is the open-ended agent work performed at the EXECUTION node.
// The engine records its outcome but never redirects on failure.
type ExecFunc func(ctx context.Context, record *ProcessRecord) error

// Engine drives process records through the protocol state machine.
type Engine struct {
	store      *persistence.Store
	checklists *checklist.Manager
	execFn     ExecFunc
	// retroGating makes retrospective failures block completion instead of
	// surfacing as warnings. Off unless configured.
	retroGating bool
	logger      *logx.Logger
}

// New creates an engine over the given record store and checklist manager.
func New(store *persistence.Store, checklists *checklist.Manager) *Engine {
	cfg := config.Get()
	return &Engine{
		store:       store,
		checklists:  checklists,
		retroGating: cfg.Engine.RetrospectiveGating,
		logger:      logx.NewLogger("engine"),
	}
}

// SetExecFunc installs the agent work hook run at the EXECUTION node.
func (e *Engine) SetExecFunc(fn ExecFunc) {
	e.execFn = fn
}

// Run starts or resumes the record for a resumption key: an existing key
// continues from wherever it last stopped, a fresh key starts from INIT.
func (e *Engine) Run(ctx context.Context, key, processID, description string) (*ProcessRecord, Status, error) {
	_, err := e.store.Load(key)
	if err == nil {
		return e.Resume(ctx, key)
	}
	if !errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, "", err
	}
	return e.Start(ctx, key, processID, description)
}

// Start begins a fresh record from INIT.
func (e *Engine) Start(ctx context.Context, key, processID, description string) (*ProcessRecord, Status, error) {
	record := NewProcessRecord(processID, description)
	e.logger.Info("Starting process %s (key=%s)", processID, key)
	status, err := e.advance(ctx, key, record)
	return record, status, err
}

// Resume continues a persisted record. Resuming a record suspended at
// APPROVAL unconditionally marks approval satisfied and proceeds.
func (e *Engine) Resume(ctx context.Context, key string) (*ProcessRecord, Status, error) {
	snap, err := e.store.Load(key)
	if err != nil {
		return nil, "", err
	}

	var record ProcessRecord
	if err := json.Unmarshal([]byte(snap.RecordJSON), &record); err != nil {
		return nil, "", fmt.Errorf("failed to parse process record %s: %w", key, err)
	}

	e.logger.Info("Resuming process %s from %s (key=%s)", record.ProcessID, record.CurrentPhase, key)
	status, err := e.advance(ctx, key, &record)
	return &record, status, err
}

// advance runs graph nodes until the record suspends or terminates. The
// record is persisted after every node before control moves on.
func (e *Engine) advance(ctx context.Context, key string, record *ProcessRecord) (Status, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("engine cancelled: %w", err)
		}

		switch record.CurrentPhase {
		case PhaseInit:
			suspended, err := e.runInitialization(key, record)
			if err != nil {
				return "", err
			}
			if suspended {
				return StatusAwaitingApproval, nil
			}

		case PhaseApproval:
			if err := e.runApproval(key, record); err != nil {
				return "", err
			}

		case PhaseExecution:
			if err := e.runExecution(ctx, key, record); err != nil {
				return "", err
			}

		case PhaseFinalization:
			if err := e.runFinalization(key, record); err != nil {
				return "", err
			}

		case PhaseRetrospective:
			if err := e.runRetrospective(key, record); err != nil {
				return "", err
			}

		case PhaseComplete:
			return StatusComplete, nil

		case PhaseBlocked, PhaseFinalizationBlocked:
			return StatusBlocked, nil

		default:
			return "", fmt.Errorf("unknown phase %s in record %s", record.CurrentPhase, record.ProcessID)
		}
	}
}

// runInitialization gates on the initialization checklist. On pass the engine
// suspends before APPROVAL; returns suspended=true in that case.
func (e *Engine) runInitialization(key string, record *ProcessRecord) (bool, error) {
	result := e.checklists.RunPhase(ChecklistInitialization)
	record.AddBlockers(result.Blockers)
	record.AddWarnings(result.Warnings)
	record.InitializationPassed = result.Passed
	record.AddStep(ChecklistInitialization, "Run initialization checklist",
		summarize(result), result.Passed)

	if !result.Passed {
		if err := e.transition(key, record, PhaseBlocked); err != nil {
			return false, err
		}
		return false, nil
	}

	// Suspend immediately before the approval node. The record is fully
	// serialized here; Resume picks it up.
	record.AwaitingApproval = true
	if err := e.transition(key, record, PhaseApproval); err != nil {
		return false, err
	}
	e.logger.Info("Process %s awaiting approval", record.ProcessID)
	return true, nil
}

// runApproval marks approval satisfied. Reached only via Resume.
func (e *Engine) runApproval(key string, record *ProcessRecord) error {
	record.AwaitingApproval = false
	record.AddStep("approval", "External approval received", "Approved", true)
	return e.transition(key, record, PhaseExecution)
}

// runExecution performs the caller's open-ended work and runs the execution
// checklist for the audit trail. The edge to FINALIZATION is unconditional.
func (e *Engine) runExecution(ctx context.Context, key string, record *ProcessRecord) error {
	if e.execFn != nil {
		if err := e.execFn(ctx, record); err != nil {
			record.AddStep(ChecklistExecution, "Run agent work", fmt.Sprintf("Failed: %v", err), false)
			record.StallCount++
		} else {
			record.AddStep(ChecklistExecution, "Run agent work", "Completed", true)
		}
	}

	// The execution rule set is optional; when present its findings are
	// recorded but never redirect the edge.
	if result, ok := e.checklists.RunPhaseIfPresent(ChecklistExecution); ok {
		record.AddWarnings(result.Blockers)
		record.AddWarnings(result.Warnings)
		record.AddStep(ChecklistExecution, "Run execution checklist", summarize(result), result.Passed)
	}

	return e.transition(key, record, PhaseFinalization)
}

// runFinalization gates on the finalization checklist.
func (e *Engine) runFinalization(key string, record *ProcessRecord) error {
	result := e.checklists.RunPhase(ChecklistFinalization)
	record.AddBlockers(result.Blockers)
	record.AddWarnings(result.Warnings)
	record.FinalizationPassed = result.Passed
	record.AddStep(ChecklistFinalization, "Run finalization checklist",
		summarize(result), result.Passed)

	if !result.Passed {
		return e.transition(key, record, PhaseFinalizationBlocked)
	}
	return e.transition(key, record, PhaseRetrospective)
}

// runRetrospective runs the reflective checklist. Failures surface as
// warnings, not a dead end, unless retrospective gating is enabled.
func (e *Engine) runRetrospective(key string, record *ProcessRecord) error {
	result := e.checklists.RunPhase(ChecklistRetrospective)
	record.AddWarnings(result.Blockers)
	record.AddWarnings(result.Warnings)
	record.AddStep(ChecklistRetrospective, "Run retrospective checklist",
		summarize(result), result.Passed)

	if !result.Passed && e.retroGating {
		return e.transition(key, record, PhaseBlocked)
	}
	return e.transition(key, record, PhaseComplete)
}

// transition moves the record to the next phase and persists the snapshot
// before returning control.
func (e *Engine) transition(key string, record *ProcessRecord, to Phase) error {
	from := record.CurrentPhase
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s for process %s", from, to, record.ProcessID)
	}
	record.CurrentPhase = to
	metrics.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.logger.Debug("Process %s: %s -> %s", record.ProcessID, from, to)
	return e.persist(key, record)
}

// persist upserts the full record snapshot under the resumption key.
func (e *Engine) persist(key string, record *ProcessRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize process record: %w", err)
	}
	return e.store.Save(key, record.ProcessID, string(record.CurrentPhase), string(data))
}

func summarize(result checklist.Result) string {
	return fmt.Sprintf("Passed: %v. Blockers: %d, Warnings: %d",
		result.Passed, len(result.Blockers), len(result.Warnings))
}
