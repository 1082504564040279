package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/pipeline"
)

var (
	runProcessor   string
	runScope       string
	runFrom        string
	runTo          string
	runConcurrency int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a registered processor through the engine's guard rails",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()
		defer env.Alerter.Flush(ctx)

		reg := pipeline.NewRegistry()
		for _, pc := range cfg.Processors {
			if err := reg.Register(pipeline.NewHTTPTask(pc.Name, pc.Stage, pc.Endpoint, pc.Timeout())); err != nil {
				return err
			}
		}

		task, ok := reg.Lookup(runProcessor)
		if !ok {
			return eris.Errorf("unknown processor %q (registered: %s)",
				runProcessor, strings.Join(reg.Names(), ", "))
		}

		var opts []pipeline.RunnerOption
		if env.Detector != nil {
			opts = append(opts, pipeline.WithDetector(env.Detector))
		}
		if dep, ok := cfg.Dependency(task.Name()); ok {
			opts = append(opts, pipeline.WithDependency(task.Name(), pipeline.Dependency{
				Upstream: dep.Upstream,
				Lookback: dep.Lookback,
			}))
		}
		if cfg.Backfill {
			opts = append(opts, pipeline.WithBackfill())
		}

		runner := pipeline.NewRunner(env.Ledger, env.Guard, env.Breaker, env.Emitter, env.Alerter, opts...)

		switch {
		case runScope != "":
			scope, err := model.ParseScope(runScope)
			if err != nil {
				return err
			}
			return runner.RunTask(ctx, task, scope)
		case runFrom != "" && runTo != "":
			from, err := model.ParseScope(runFrom)
			if err != nil {
				return err
			}
			to, err := model.ParseScope(runTo)
			if err != nil {
				return err
			}
			zap.L().Info("running scope range",
				zap.String("processor", task.Name()),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
				zap.Int("concurrency", runConcurrency),
			)
			return runner.RunScopes(ctx, task, from, to, runConcurrency)
		default:
			return eris.New("either --scope or both --from and --to are required")
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runProcessor, "processor", "", "processor name to run (required)")
	runCmd.Flags().StringVar(&runScope, "scope", "", "single scope to process (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runFrom, "from", "", "first scope of a range (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runTo, "to", "", "last scope of a range (YYYY-MM-DD)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 4, "parallel scopes when running a range")
	_ = runCmd.MarkFlagRequired("processor")
	rootCmd.AddCommand(runCmd)
}
