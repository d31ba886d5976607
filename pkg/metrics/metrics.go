// Package metrics provides Prometheus-based metrics recording for harness operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // promauto registers against the default registry once
var (
	// ChecklistRuns counts checklist phase executions by phase and result.
	ChecklistRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_checklist_runs_total",
			Help: "Total number of checklist phase executions by phase and result",
		},
		[]string{"phase", "result"},
	)

	// ChecklistFindings counts failing checks by phase and severity.
	ChecklistFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_checklist_findings_total",
			Help: "Total number of failing checklist checks by phase and severity",
		},
		[]string{"phase", "severity"},
	)

	// Sessions counts session lifecycle transitions by outcome.
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_sessions_total",
			Help: "Total number of session lifecycle transitions by event",
		},
		[]string{"event"},
	)

	// CleanupViolations counts cleanup scan violations by resource kind.
	CleanupViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_cleanup_violations_total",
			Help: "Total number of cleanup violations detected by resource",
		},
		[]string{"resource"},
	)

	// Worktrees counts worktree lifecycle operations.
	Worktrees = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_worktrees_total",
			Help: "Total number of worktree lifecycle operations by event",
		},
		[]string{"event"},
	)

	// PhaseTransitions counts protocol engine node transitions.
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_phase_transitions_total",
			Help: "Total number of protocol phase transitions by source and target",
		},
		[]string{"from", "to"},
	)
)
