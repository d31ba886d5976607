// harness is the compliance and session engine CLI for agent workspaces.
//
// It wraps the session lock, the checklist validator engine, the protocol
// state machine, and worktree management behind one binary so both humans and
// automation drive the same code paths.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"harness/pkg/config"
	"harness/pkg/logx"
)

var (
	flagWorkspace  string
	flagDebug      bool
	flagSaveConfig bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "Compliance and session engine for agent workspaces",
		Long: `harness enforces session discipline, phase-gated checklists, and
worktree hygiene for AI coding agents working in a shared repository.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				logx.SetDebug(true)
			}
			if flagWorkspace == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to determine workspace: %w", err)
				}
				flagWorkspace = cwd
			}
			if err := config.Load(flagWorkspace); err != nil {
				return err
			}
			if flagSaveConfig {
				return config.Save()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "",
		"workspace root (defaults to current directory)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagSaveConfig, "save-config", false,
		"write the effective configuration to .harness/config.yml")

	rootCmd.AddCommand(
		newInitCmd(),
		newCloseCmd(),
		newStatusCmd(),
		newRunCmd(),
		newResumeCmd(),
		newCheckCmd(),
		newWorktreeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
