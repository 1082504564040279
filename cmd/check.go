package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courtline/statpipe/internal/model"
)

var (
	checkScope     string
	checkProcessor string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the dependency guard for a processor and scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("check"); err != nil {
			return err
		}
		ctx := cmd.Context()

		if checkScope == "" || checkProcessor == "" {
			return fmt.Errorf("--scope and --processor are required")
		}
		scope, err := model.ParseScope(checkScope)
		if err != nil {
			return err
		}
		dep, ok := cfg.Dependency(checkProcessor)
		if !ok {
			return fmt.Errorf("no dependency declared for processor %q", checkProcessor)
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r, err := env.Guard.CheckReady(ctx, scope, dep.Upstream, dep.Lookback)
		if err != nil {
			return err
		}

		if r.OK {
			fmt.Printf("%s is ready for %s\n", checkProcessor, scope)
			return nil
		}

		fmt.Printf("%s is NOT ready for %s: %s\n", checkProcessor, scope, r.Reason)
		for _, m := range r.Missing {
			fmt.Printf("  missing: %s %s\n", dep.Upstream, m)
		}
		fmt.Printf("  remediation: re-run %s for the scopes above, then retry\n", dep.Upstream)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkScope, "scope", "", "scope to check (YYYY-MM-DD)")
	checkCmd.Flags().StringVar(&checkProcessor, "processor", "", "processor whose dependencies to check")
	rootCmd.AddCommand(checkCmd)
}
