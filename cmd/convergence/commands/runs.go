package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs [process]",
	Short: "List recorded process runs",
	Long: `List the runs recorded in the configured store, optionally for one process.
Runs only outlive the command with a redis or firestore store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var process string
		if len(args) == 1 {
			process = args[0]
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			runs, err := a.engine.Runs().List(ctx, process)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROCESS\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Process, r.Status,
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration().Round(time.Millisecond),
					r.Error)
			}
			return w.Flush()
		})
	},
}
