package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"harness/pkg/worktree"
)

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage isolated agent worktrees",
	}
	cmd.AddCommand(
		newWorktreeCreateCmd(),
		newWorktreeRemoveCmd(),
		newWorktreeListCmd(),
		newWorktreePruneCmd(),
	)
	return cmd
}

func newWorktreeCreateCmd() *cobra.Command {
	var baseBranch string

	cmd := &cobra.Command{
		Use:   "create <agent-id>",
		Short: "Create an isolated worktree for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := worktree.NewManager(flagWorkspace)
			path, err := mgr.Create(cmd.Context(), args[0], baseBranch)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseBranch, "base", "main", "branch to fork the worktree from")
	return cmd
}

func newWorktreeRemoveCmd() *cobra.Command {
	var (
		keepBranch bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Remove an agent's worktree, enforcing cleanup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := worktree.NewManager(flagWorkspace)

			err := mgr.Remove(cmd.Context(), args[0], keepBranch, !force)
			var cleanupErr *worktree.CleanupError
			if errors.As(err, &cleanupErr) {
				fmt.Fprintln(os.Stderr, "Worktree removal blocked by leftover artifacts:")
				for _, v := range cleanupErr.Violations {
					fmt.Fprintf(os.Stderr, "  - %s\n", v)
				}
				fmt.Fprintln(os.Stderr, "\nClean the worktree and retry, or remove with --force.")
				return err
			}
			if err != nil {
				return err
			}

			fmt.Println("Worktree removed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepBranch, "keep-branch", false, "keep the worktree's branch after removal")
	cmd.Flags().BoolVar(&force, "force", false, "remove without cleanup validation")
	return cmd
}

func newWorktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the repository's worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := worktree.NewManager(flagWorkspace)
			worktrees, err := mgr.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, wt := range worktrees {
				fmt.Printf("%s\t%s\t%s\n", wt.Path, wt.Branch, wt.Head)
			}
			return nil
		},
	}
}

func newWorktreePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Prune vanished and aged-out worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := worktree.NewManager(flagWorkspace)
			cleaned, err := mgr.PruneOrphaned(cmd.Context())
			if err != nil {
				return err
			}
			if len(cleaned) == 0 {
				fmt.Println("Nothing to prune")
				return nil
			}
			for _, path := range cleaned {
				fmt.Printf("Pruned %s\n", path)
			}
			return nil
		},
	}
}
