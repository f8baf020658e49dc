package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convergence/pkg/resource"
)

var validateApply bool

var validateCmd = &cobra.Command{
	Use:   "validate <file...>",
	Short: "Check definition files and optionally store them",
	Long: `Decode every document of each file and check its spec against its kind.
With --apply the resources are added to the configured store, replacing
existing ones of the same kind, namespace and name.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var all []*resource.Resource
		for _, path := range args {
			resources, err := resource.LoadFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, r := range resources {
				fmt.Fprintf(cmd.OutOrStdout(), "valid   %s\n", r.Key())
			}
			all = append(all, resources...)
		}
		if !validateApply {
			return nil
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.Apply(ctx, all); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d resources to the %s store\n", len(all), a.settings.Store.Type)
			return nil
		})
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateApply, "apply", false, "Store the resources after validation")
}
