package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/rollout/cmd/rollout/commands"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/logger"
)

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "rollout - deployment jobs and resource locks",
	Long: `rollout runs deployment commands against checkouts of version-controlled
repositories and keeps conflicting deployments apart with resource locks.

Available commands:
  run      - Run commands against a checkout of a project
  jobs     - Inspect jobs and their output
  lock     - Lock the global scope, an environment or a stage
  project  - Manage projects
  env      - Manage environments
  stage    - Manage stages
  user     - Manage users and roles
  cache    - Manage repository caches
  serve    - Run the rollout daemon
  am       - Manage rollout configuration ("I am")
  db       - Manage the rollout database

Examples:
  rollout user add alice --role admin
  rollout project add app https://github.com/example/app.git
  rollout run app master -- 'make test'
  rollout lock create stage:app/production -d "database migration"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "Act as this user (default: $ROLLOUT_USER, then the login name)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.LockCmd)
	rootCmd.AddCommand(commands.ProjectCmd)
	rootCmd.AddCommand(commands.EnvCmd)
	rootCmd.AddCommand(commands.StageCmd)
	rootCmd.AddCommand(commands.UserCmd)
	rootCmd.AddCommand(commands.CacheCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
