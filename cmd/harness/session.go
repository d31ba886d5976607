package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"harness/pkg/session"
)

func newInitCmd() *cobra.Command {
	var (
		mode           string
		issueID        string
		skipValidation bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start a protocol session in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "simple" && mode != "full" {
				return fmt.Errorf("invalid mode %q (must be simple or full)", mode)
			}

			tracker, err := session.NewTracker(flagWorkspace)
			if err != nil {
				return err
			}

			// Soft scan: leftover artifacts at start are prompted about, never
			// a hard failure. Only closure enforces cleanliness.
			if !skipValidation {
				violations, scanErr := tracker.Scan()
				if scanErr != nil {
					return scanErr
				}
				if err := tracker.HandleStartViolations(violations); err != nil {
					return err
				}
			}

			id, err := tracker.Init(mode, issueID)
			if err != nil {
				return err
			}

			fmt.Printf("Session %s active (mode=%s, issue=%s)\n", id, mode, issueID)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "simple", "session mode: simple or full")
	cmd.Flags().StringVar(&issueID, "issue", "", "issue reference this session works on")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false,
		"skip the leftover-artifact scan at session start")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func newCloseCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "close",
		Short: "End the current session, enforcing workspace cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := session.NewTracker(flagWorkspace)
			if err != nil {
				return err
			}

			err = tracker.Close(!force)
			var cleanupErr *session.CleanupViolationError
			if errors.As(err, &cleanupErr) {
				fmt.Fprintln(os.Stderr, "Session close blocked by leftover artifacts:")
				for _, v := range cleanupErr.Violations {
					fmt.Fprintf(os.Stderr, "  - %s\n", v)
				}
				fmt.Fprintln(os.Stderr, "\nRemove them and retry, or close with --force.")
				return err
			}
			if err != nil {
				return err
			}

			fmt.Println("Session closed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "close without cleanup validation")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := session.NewTracker(flagWorkspace)
			if err != nil {
				return err
			}

			current := tracker.Get()
			if current == nil {
				fmt.Println("No active session")
				return nil
			}

			fmt.Printf("Session:  %s\n", current.ID)
			fmt.Printf("Mode:     %s\n", current.Mode)
			fmt.Printf("Issue:    %s\n", current.IssueID)
			fmt.Printf("Started:  %s (%s ago)\n",
				current.StartedAt.Format(time.RFC3339),
				time.Since(current.StartedAt).Round(time.Second))
			return nil
		},
	}
}
