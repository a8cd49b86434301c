package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage postpulse configuration",
	Long: sym.AM + ` am - Manage postpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/postpulse/config.toml)
3. User config (~/.postpulse/am.toml)
4. Project config (./am.toml or ./postpulse.toml, searched upward)
5. Environment variables (POSTPULSE_* prefix, e.g. POSTPULSE_SCHEDULER_TIMEZONE)

--config replaces steps 2-4 with a single file.

Examples:
  postpulse am show                    # Show current configuration
  postpulse am show --format json      # Show configuration as JSON
  postpulse am get scheduler.timezone  # Get one value
  postpulse am validate                # Validate and flag unknown keys
  postpulse am where                   # Show which source set each value
  postpulse am init                    # Write ./am.toml with defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective postpulse configuration from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, retry.delay_seconds)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate the effective configuration and report keys in the config file that match no setting",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	Long: `Write a config file populated with the built-in defaults.

An existing file is rotated into .back1 ... .back3 before it is replaced,
and only with --force.`,
	Args: cobra.NoArgs,
	RunE: runAmInit,
}

var (
	configFormat string
	initPath     string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().StringVar(&initPath, "path", "am.toml", "File to write")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Replace an existing file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

// rawConfig loads without validating so show and validate can inspect bad configs
func rawConfig() (*am.Config, error) {
	if ConfigFile != "" {
		return am.LoadFromFile(ConfigFile)
	}
	return am.Load()
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := rawConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		return printJSON(out, cfg)

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# postpulse configuration\n%s", data)

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# postpulse configuration\n%s", data)

	default:
		return errors.NewInvalidArgumentError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if ConfigFile != "" {
		cfg, err := am.LoadFromFile(ConfigFile)
		if err != nil {
			return err
		}
		return printConfigValue(cmd, cfg, key)
	}

	if !am.IsSet(key) {
		return errors.WithHint(
			errors.NewNotFoundError("configuration key %q not found", key),
			"run 'postpulse am where' to list every key")
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

// printConfigValue looks key up in cfg through its TOML form
func printConfigValue(cmd *cobra.Command, cfg *am.Config, key string) error {
	data, err := am.MarshalTOML(cfg)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return errors.Wrap(err, "failed to re-read config")
	}
	value, ok := lookup(tree, key)
	if !ok {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func lookup(tree map[string]interface{}, key string) (interface{}, bool) {
	section, field, found := strings.Cut(key, ".")
	if !found {
		v, ok := tree[key]
		return v, ok
	}
	sub, ok := tree[section].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookup(sub, field)
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := rawConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	path := ConfigFile
	if path == "" {
		path = am.ConfigFileUsed()
	}
	if path != "" {
		unknown, err := am.UnknownKeys(path)
		if err != nil {
			return err
		}
		for _, key := range unknown {
			pterm.Warning.WithWriter(cmd.OutOrStdout()).Printfln("%s: unknown key %q is ignored", path, key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	pterm.Success.WithWriter(cmd.OutOrStdout()).Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [default]      Built-in defaults")
	for _, p := range am.SearchPaths() {
		state := "missing"
		if _, err := os.Stat(p.Path); err == nil {
			state = "found"
		}
		fmt.Fprintf(out, "  [%-12s] %s (%s)\n", p.Source, p.Path, state)
	}
	fmt.Fprintf(out, "  [%-12s] %s_* variables\n", am.SourceEnvironment, am.EnvPrefix)
	fmt.Fprintln(out)

	intro := am.GetConfigIntrospection()

	// Group settings by source, then by file within a source
	groups := make(map[am.ConfigSource]map[string][]am.SettingInfo)
	for _, setting := range intro.Settings {
		if groups[setting.Source] == nil {
			groups[setting.Source] = make(map[string][]am.SettingInfo)
		}
		groups[setting.Source][setting.SourcePath] = append(groups[setting.Source][setting.SourcePath], setting)
	}

	sourceOrder := []am.ConfigSource{
		am.SourceDefault,
		am.SourceSystem,
		am.SourceUser,
		am.SourceProject,
		am.SourceEnvironment,
	}

	fmt.Fprintln(out, "Active configuration:")
	for _, source := range sourceOrder {
		byPath := groups[source]
		paths := make([]string, 0, len(byPath))
		for p := range byPath {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, path := range paths {
			settings := byPath[path]
			switch {
			case source == am.SourceEnvironment:
				fmt.Fprintf(out, "\n%s: %d settings from environment variables\n", source, len(settings))
			case path != "":
				fmt.Fprintf(out, "\n%s: %d settings from %s\n", source, len(settings), path)
			default:
				fmt.Fprintf(out, "\n%s: %d settings\n", source, len(settings))
			}

			for _, setting := range settings {
				valueStr := truncate(fmt.Sprintf("%v", setting.Value), 50)
				if source == am.SourceEnvironment {
					fmt.Fprintf(out, "  %s = %s (%s)\n", setting.Key, valueStr, am.EnvKey(setting.Key))
					continue
				}
				fmt.Fprintf(out, "  %s = %s\n", setting.Key, valueStr)
			}
		}
	}

	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initPath); err == nil && !initForce {
		return errors.WithHint(
			errors.NewConflictError("%s already exists", initPath),
			"pass --force to replace it; the old file is kept as a .back1 backup")
	}

	cfg, err := am.DefaultConfig()
	if err != nil {
		return err
	}
	if err := am.WriteConfig(initPath, cfg); err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Wrote %s", initPath)
	return nil
}
