package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage rollout configuration",
	Long: `am: manage rollout configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (ROLLOUT_* prefix, and PRODUCTION_STAGE_LOCK_REQUIRES_ADMIN)
2. Project config (./rollout.toml, searched up from the working directory)
3. User config (~/.rollout/am.toml)
4. System config (/etc/rollout/am.toml)
5. Default values

Examples:
  rollout am show                 # Show current configuration
  rollout am show --format json   # Show configuration in JSON format
  rollout am init                 # Write the defaults to ./rollout.toml
  rollout am where                # Show which files are loaded`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().Bool("force", false, "Overwrite an existing file (a .back1 copy is kept)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# rollout configuration\n%s", string(data))
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# rollout configuration\n%s", string(data))
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	path := am.ProjectConfigName
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !force {
		return errors.WithHint(errors.Newf("%s already exists", path), "pass --force to overwrite it")
	}
	if err := am.Write(path, am.Default()); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote default configuration to %s\n", path)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/rollout/am.toml")
	fmt.Println("  3. [USER]     ~/.rollout/am.toml")
	fmt.Println("  4. [PROJECT]  ./rollout.toml (searches up directories)")
	fmt.Println("  5. [ENV]      ROLLOUT_* environment variables")
	fmt.Println()

	paths := am.ConfigPaths()
	if len(paths) == 0 {
		fmt.Println("No config files found; using defaults")
		return nil
	}
	fmt.Println("Loaded files:")
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
