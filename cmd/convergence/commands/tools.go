package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools <toolset>",
	Short: "Load a stored toolset and list its functions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.engine.Toolset(ctx, args[0])
			if err != nil {
				return err
			}
			for _, f := range p.Functions() {
				if f.Description == "" {
					fmt.Fprintln(cmd.OutOrStdout(), f.Name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", f.Name, f.Description)
			}
			return nil
		})
	},
}
