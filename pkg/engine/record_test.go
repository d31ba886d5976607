package engine

import (
	"encoding/json"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		from  Phase
		to    Phase
		valid bool
	}{
		{"init to approval", PhaseInit, PhaseApproval, true},
		{"init to blocked", PhaseInit, PhaseBlocked, true},
		{"init skips approval", PhaseInit, PhaseExecution, false},
		{"approval to execution", PhaseApproval, PhaseExecution, true},
		{"approval cannot block", PhaseApproval, PhaseBlocked, false},
		{"execution to finalization", PhaseExecution, PhaseFinalization, true},
		{"execution cannot block", PhaseExecution, PhaseBlocked, false},
		{"finalization to retrospective", PhaseFinalization, PhaseRetrospective, true},
		{"finalization to its own terminal", PhaseFinalization, PhaseFinalizationBlocked, true},
		{"finalization cannot use generic block", PhaseFinalization, PhaseBlocked, false},
		{"retrospective to complete", PhaseRetrospective, PhaseComplete, true},
		{"retrospective to blocked", PhaseRetrospective, PhaseBlocked, true},
		{"no leaving complete", PhaseComplete, PhaseInit, false},
		{"no leaving blocked", PhaseBlocked, PhaseInit, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.valid {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseComplete, PhaseBlocked, PhaseFinalizationBlocked} {
		if !IsTerminal(p) {
			t.Errorf("%s must be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseInit, PhaseApproval, PhaseExecution, PhaseFinalization, PhaseRetrospective} {
		if IsTerminal(p) {
			t.Errorf("%s must not be terminal", p)
		}
	}
}

func TestRecordAccumulators(t *testing.T) {
	r := NewProcessRecord("proc-1", "demo")

	r.AddGoal("goal one")
	r.AddGoal("goal two")
	r.AddFact("fact one")
	r.AddBlockers([]string{"b1"})
	r.AddBlockers([]string{"b2", "b3"})
	r.AddWarnings([]string{"w1"})
	r.AddStep("INIT", "did a thing", "ok", true)
	r.AddStep("INIT", "did another", "bad", false)

	if len(r.Goals) != 2 || len(r.FactsDiscovered) != 1 {
		t.Errorf("ledger lists wrong: goals=%v facts=%v", r.Goals, r.FactsDiscovered)
	}
	if len(r.Blockers) != 3 || len(r.Warnings) != 1 {
		t.Errorf("finding lists wrong: blockers=%v warnings=%v", r.Blockers, r.Warnings)
	}
	if len(r.Steps) != 2 || r.StepIndex != 2 {
		t.Fatalf("steps wrong: %d steps, index %d", len(r.Steps), r.StepIndex)
	}
	if r.Steps[0].Index != 0 || r.Steps[1].Index != 1 {
		t.Errorf("step indexes wrong: %d, %d", r.Steps[0].Index, r.Steps[1].Index)
	}
	if r.Steps[0].Status != "success" || r.Steps[1].Status != "failure" {
		t.Errorf("step statuses wrong: %s, %s", r.Steps[0].Status, r.Steps[1].Status)
	}
}

func TestRecordRoundTripsThroughJSON(t *testing.T) {
	r := NewProcessRecord("proc-1", "demo")
	r.AddGoal("goal")
	r.AddStep("INIT", "action", "outcome", true)
	r.CurrentPhase = PhaseApproval

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back ProcessRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if back.ProcessID != r.ProcessID || back.CurrentPhase != PhaseApproval {
		t.Errorf("identity fields lost: %+v", back)
	}
	if len(back.Steps) != 1 || len(back.Goals) != 1 {
		t.Errorf("lists lost: steps=%d goals=%d", len(back.Steps), len(back.Goals))
	}
}
