package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/resilience"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List configured source adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		formatAdapters(os.Stdout, env.Registry, env.Breakers)
		return nil
	},
}

func formatAdapters(out io.Writer, registry *adapter.Registry, breakers *resilience.AdapterBreakers) {
	states := breakers.States()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIER\tRELIABILITY\tBREAKER")

	for _, id := range registry.List() {
		a := registry.Get(id)
		if a == nil {
			continue
		}
		reliability := 1.0
		if rw, ok := a.(adapter.ReliabilityWeighter); ok {
			reliability = rw.ReliabilityWeight()
		}
		breaker := "closed"
		if st, ok := states[id]; ok {
			breaker = st.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", id, a.Tier(), reliability, breaker)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(adaptersCmd)
}
