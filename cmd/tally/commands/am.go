package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage tally configuration",
	Long: sym.AM + ` am - Manage tally configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (TALLY_* prefix, GRPC_PORT)
3. Project config (./am.toml, searched upward)
4. User config (~/.tally/am.toml)
5. System config (/etc/tally/am.toml)
6. Default values

Examples:
  tally am show                   # Show current configuration
  tally am show --format json     # Show configuration in JSON format
  tally am validate               # Validate current configuration
  tally am init                   # Write ~/.tally/am.toml with defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective tally configuration merged from all sources",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long:  "Write a configuration file with every default value. Existing files are kept unless --force is given; replaced files are backed up as .back1..3.",
	RunE:  runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().String("path", "", "File to write (default ~/.tally/am.toml)")
	amInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := am.Render(cfg, configFormat)
	if err != nil {
		return err
	}
	if configFormat != "json" {
		fmt.Println("# tally configuration")
	}
	fmt.Print(string(data))
	if configFormat == "json" {
		fmt.Println()
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")
	if path == "" {
		path = am.DefaultConfigPath()
	}

	if err := am.WriteDefaultConfig(path, force); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote %s", path)
	return nil
}
