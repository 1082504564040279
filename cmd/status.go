package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

var (
	statusScope string
	statusStage string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batch, run, and breaker state for a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()

		if statusScope == "" {
			return fmt.Errorf("--scope is required")
		}
		scope, err := model.ParseScope(statusScope)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		batches, err := env.Store.ListBatches(ctx, store.BatchFilter{
			Stage:     statusStage,
			ScopeFrom: scope,
			ScopeTo:   scope,
		})
		if err != nil {
			return err
		}

		if len(batches) == 0 {
			fmt.Printf("no batches for scope %s\n", scope)
		}
		for _, b := range batches {
			state := "incomplete"
			switch {
			case b.Triggered && b.EmittedAt != nil:
				state = "triggered"
			case b.Triggered:
				state = "triggered (emit pending)"
			case b.Complete():
				state = "complete (untriggered)"
			}
			fmt.Printf("%-40s %d/%d %s\n", b.Key, b.Successes, b.Expected, state)
		}

		runs, err := env.Store.ListRuns(ctx, store.RunFilter{Scope: scope})
		if err != nil {
			return err
		}
		for _, r := range runs {
			detail := ""
			if r.Error != "" {
				detail = "  " + r.Error
			}
			fmt.Printf("%-30s attempt %d %-9s started %s%s\n",
				r.Processor, r.Attempt, r.Status, r.StartedAt.Format("2006-01-02 15:04"), detail)

			open, err := env.Breaker.IsOpen(ctx, r.Processor, scope)
			if err != nil {
				return err
			}
			if open {
				fmt.Printf("%-30s breaker OPEN\n", r.Processor)
			}
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusScope, "scope", "", "scope to inspect (YYYY-MM-DD)")
	statusCmd.Flags().StringVar(&statusStage, "stage", "", "restrict batches to one stage")
	rootCmd.AddCommand(statusCmd)
}
