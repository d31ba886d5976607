package engine

import (
	"fmt"
	"time"
)

// Phase names for the protocol state machine.
type Phase string

// State constants - single source of truth for phase names.
const (
	PhaseInit          Phase = "INIT"
	PhaseApproval      Phase = "APPROVAL"
	PhaseExecution     Phase = "EXECUTION"
	PhaseFinalization  Phase = "FINALIZATION"
	PhaseRetrospective Phase = "RETROSPECTIVE"

	// Terminal labels.
	PhaseComplete            Phase = "COMPLETE"
	PhaseBlocked             Phase = "BLOCKED"
	PhaseFinalizationBlocked Phase = "FINALIZATION_BLOCKED"
)

// Transitions defines the canonical transition map for the protocol state
// machine. This is the single source of truth; engine code and tests must
// match it exactly.
//
//nolint:gochecknoglobals // canonical transition table
var Transitions = map[Phase][]Phase{
	// INIT gates on the initialization checklist.
	PhaseInit: {PhaseApproval, PhaseBlocked},

	// APPROVAL is the suspension point; once resumed it always proceeds.
	PhaseApproval: {PhaseExecution},

	// EXECUTION is open-ended agent work, never redirected by the engine.
	PhaseExecution: {PhaseFinalization},

	// FINALIZATION gates on the finalization checklist.
	PhaseFinalization: {PhaseRetrospective, PhaseFinalizationBlocked},

	// RETROSPECTIVE failures surface as warnings unless gating is enabled.
	PhaseRetrospective: {PhaseComplete, PhaseBlocked},
}

// IsValidTransition checks whether a transition is allowed by the canonical map.
func IsValidTransition(from, to Phase) bool {
	for _, allowed := range Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a phase ends the record.
func IsTerminal(p Phase) bool {
	return p == PhaseComplete || p == PhaseBlocked || p == PhaseFinalizationBlocked
}

// Step is one audit entry appended on every node transition.
type Step struct {
	Index     int       `json:"index"`
	Phase     string    `json:"phase"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Status    string    `json:"status"` // success or failure
	Timestamp time.Time `json:"timestamp"`
}

// ProcessRecord is the durable state of one protocol run. The list fields are
// append-only: every node transition adds to them through the accumulator
// methods, never overwrites, so the full audit history survives resumption.
type ProcessRecord struct {
	ProcessID   string `json:"process_id"`
	Description string `json:"process_description"`

	CurrentPhase Phase `json:"current_phase"`

	Goals           []string `json:"goals"`
	FactsDiscovered []string `json:"facts_discovered"`

	Steps      []Step `json:"steps_completed"`
	StepIndex  int    `json:"current_step_index"`
	StallCount int    `json:"stall_count"`

	InitializationPassed bool     `json:"initialization_passed"`
	FinalizationPassed   bool     `json:"finalization_passed"`
	Blockers             []string `json:"blockers"`
	Warnings             []string `json:"warnings"`

	AwaitingApproval bool   `json:"awaiting_approval"`
	ApprovalRequest  string `json:"approval_request,omitempty"`
	UserFeedback     string `json:"user_feedback,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// NewProcessRecord creates a fresh record positioned at INIT.
func NewProcessRecord(processID, description string) *ProcessRecord {
	return &ProcessRecord{
		ProcessID:        processID,
		Description:      description,
		CurrentPhase:     PhaseInit,
		AwaitingApproval: true,
		ApprovalRequest:  fmt.Sprintf("Approve start of process %s", processID),
		LastUpdated:      time.Now().UTC(),
	}
}

// AddStep appends one audit entry and advances the step counter.
func (r *ProcessRecord) AddStep(phase, action, outcome string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.Steps = append(r.Steps, Step{
		Index:     r.StepIndex,
		Phase:     phase,
		Action:    action,
		Outcome:   outcome,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	r.StepIndex++
	r.LastUpdated = time.Now().UTC()
}

// AddGoal appends a goal to the task ledger.
func (r *ProcessRecord) AddGoal(goal string) {
	r.Goals = append(r.Goals, goal)
	r.LastUpdated = time.Now().UTC()
}

// AddFact appends a discovered fact to the task ledger.
func (r *ProcessRecord) AddFact(fact string) {
	r.FactsDiscovered = append(r.FactsDiscovered, fact)
	r.LastUpdated = time.Now().UTC()
}

// AddBlockers appends blocker findings to the audit trail.
func (r *ProcessRecord) AddBlockers(blockers []string) {
	r.Blockers = append(r.Blockers, blockers...)
	if len(blockers) > 0 {
		r.LastUpdated = time.Now().UTC()
	}
}

// AddWarnings appends warning findings to the audit trail.
func (r *ProcessRecord) AddWarnings(warnings []string) {
	r.Warnings = append(r.Warnings, warnings...)
	if len(warnings) > 0 {
		r.LastUpdated = time.Now().UTC()
	}
}
