package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
)

var (
	runQuery    string
	runAdapters []string
	runTimeout  time.Duration
	runMax      int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single aggregation query to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		rc := model.RunConfig{
			Query:         model.Query{Text: runQuery},
			Adapters:      runAdapters,
			GlobalTimeout: runTimeout,
			MaxEmissions:  runMax,
		}

		run, err := env.Engine.Execute(ctx, rc)
		if err != nil {
			return eris.Wrap(err, "execute run")
		}

		zap.L().Info("run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("signals", run.Result.SignalsTotal),
			zap.Int("clusters", run.Result.ClustersTotal),
			zap.Int("emitted", len(run.Result.Emitted)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runQuery, "query", "", "query text (required)")
	runCmd.Flags().StringSliceVar(&runAdapters, "adapters", nil, "adapter ids to fan out to (default all registered)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "global run timeout (default from config)")
	runCmd.Flags().IntVar(&runMax, "max-emissions", 0, "max clusters to emit (default from variety config)")
	_ = runCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(runCmd)
}
