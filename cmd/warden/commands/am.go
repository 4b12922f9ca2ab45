package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/warden/am"
	"github.com/teranos/warden/sym"
)

var (
	configFormat string
	showSources  bool
	initForce    bool
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage warden configuration (" + sym.AM + ")",
	Long: `Manage warden configuration ("I am").

Configuration cascade (later overrides earlier):
  1. Built-in defaults
  2. /etc/warden/am.toml
  3. ~/.warden/am.toml ($WARDEN_HOME overrides ~/.warden)
  4. ./am.toml (searches up directories)
  5. WARDEN_* environment variables (WARDEN_PULSE_WORKERS=8)`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the user config file",
	RunE:  runAmInit,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

func init() {
	amShowCmd.Flags().StringVarP(&configFormat, "format", "f", "toml", "Output format (toml, json, yaml)")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "Show where each setting came from")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if showSources {
		return runAmSources()
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# warden configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# warden configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmSources() error {
	settings, err := am.Introspect()
	if err != nil {
		return fmt.Errorf("failed to introspect config: %w", err)
	}

	rows := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
	for _, s := range settings {
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.UserConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := am.Persist(path, am.Default()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	pterm.Success.Printfln("Wrote default configuration to %s", path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	// Load validates; a bad file never gets past it
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Printfln("Configuration is valid (%s)", activeFile())
	return nil
}

func activeFile() string {
	if f := am.ActiveConfigFile(); f != "" {
		return f
	}
	return "defaults only"
}
