package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// CacheCmd manages repository caches
var CacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage repository caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <project>",
	Short: "Delete a project's repository cache; the next job clones it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			p, err := a.project(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.cache.Remove(ctx, p.ID); err != nil {
				return err
			}
			pterm.Success.Printf("Removed cache of %s (%s)\n", p.Name, a.cache.Path(p.ID))
			return nil
		})
	},
}

func init() {
	CacheCmd.AddCommand(cacheRmCmd)
}
