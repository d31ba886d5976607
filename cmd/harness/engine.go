package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"harness/pkg/checklist"
	"harness/pkg/config"
	"harness/pkg/engine"
	"harness/pkg/persistence"
	"harness/pkg/validators"
)

// buildEngine wires the checklist manager, record store, and engine for one
// invocation. The caller owns the returned store and must close it.
func buildEngine() (*engine.Engine, *persistence.Store, error) {
	cfg := config.Get()

	store, err := persistence.Open(filepath.Join(flagWorkspace, cfg.Engine.DatabasePath))
	if err != nil {
		return nil, nil, err
	}

	checklists := checklist.NewManager(filepath.Join(flagWorkspace, cfg.Checklist.Dir))
	validators.RegisterAll(checklists)

	return engine.New(store, checklists), store, nil
}

func report(record *engine.ProcessRecord, status engine.Status) error {
	fmt.Printf("Process:  %s\n", record.ProcessID)
	fmt.Printf("Phase:    %s\n", record.CurrentPhase)
	fmt.Printf("Status:   %s\n", status)
	for _, b := range record.Blockers {
		fmt.Printf("Blocker:  %s\n", b)
	}
	for _, w := range record.Warnings {
		fmt.Printf("Warning:  %s\n", w)
	}

	switch status {
	case engine.StatusAwaitingApproval:
		fmt.Println("\nRun `harness resume --key <key>` after approval to continue.")
		return nil
	case engine.StatusBlocked:
		return fmt.Errorf("process %s blocked in %s", record.ProcessID, record.CurrentPhase)
	default:
		return nil
	}
}

func newRunCmd() *cobra.Command {
	var (
		key         string
		processID   string
		description string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume a protocol run",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, err := buildEngine()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if processID == "" {
				processID = key
			}

			record, status, err := eng.Run(cmd.Context(), key, processID, description)
			if err != nil {
				return err
			}
			return report(record, status)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "resumption key identifying this run")
	cmd.Flags().StringVar(&processID, "id", "", "process id (defaults to the key)")
	cmd.Flags().StringVar(&description, "description", "", "what this process does")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a suspended protocol run after approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, err := buildEngine()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			record, status, err := eng.Resume(cmd.Context(), key)
			if err != nil {
				return err
			}
			return report(record, status)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "resumption key of the suspended run")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <phase>",
		Short: "Run one checklist phase and report findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			checklists := checklist.NewManager(filepath.Join(flagWorkspace, cfg.Checklist.Dir))
			validators.RegisterAll(checklists)

			result := checklists.RunPhase(args[0])
			for _, b := range result.Blockers {
				fmt.Printf("BLOCKER: %s\n", b)
			}
			for _, w := range result.Warnings {
				fmt.Printf("WARNING: %s\n", w)
			}

			if !result.Passed {
				return fmt.Errorf("checklist %s failed with %d blocker(s)", args[0], len(result.Blockers))
			}
			fmt.Printf("Checklist %s passed (%d warning(s))\n", args[0], len(result.Warnings))
			return nil
		},
	}
}
