package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/forge/internal/templates"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "forge"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage forge configuration.

Running bare 'forge config' is the same as 'forge config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configValidateRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# forge configuration
# See: forge config show (for effective values and sources)

# State/data directory (default: ~/.config/forge)
# state_dir: {{ .StateDir }}

# SQLite database path for agent run history (default: ~/.config/forge/forge.db)
# db_path: {{ .DBPath }}

# API server port for 'forge serve'
port: {{ .Port }}

# Sandbox runtime
runtime:
  # Project directory (default: the current working directory)
  root: "{{ .RuntimeRoot }}"
  install_command: "{{ .InstallCommand }}"
  dev_command: "{{ .DevCommand }}"
  # Starter project mounted into an empty sandbox on boot (see: forge runtime templates)
  template: "{{ .Template }}"

# Sync engine
sync:
  # Quiet period before editor changes are flushed to the runtime
  debounce: {{ .Debounce }}
  # Flush automatically when the debounce timer fires (default: true)
  auto_save: {{ .AutoSave }}
  # Pull changes made directly in the project directory (default: true)
  watch: {{ .Watch }}

# Agent loop
agent:
  # Retry budget shared by every step and the test phase (default: 3)
  max_retries: {{ .MaxRetries }}
  # Runs kept in history; older runs are pruned when the server starts
  history_keep: {{ .HistoryKeep }}

# Generation service. An SSE endpoint takes precedence over the Anthropic API.
generation:
  endpoint: "{{ .GenerationEndpoint }}"

anthropic:
  # API key (or set ANTHROPIC_API_KEY)
  # api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	Port               int
	RuntimeRoot        string
	InstallCommand     string
	DevCommand         string
	Template           string
	Debounce           string
	AutoSave           bool
	Watch              bool
	MaxRetries         int
	HistoryKeep        int
	GenerationEndpoint string
	AnthropicModel     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		Port:               viper.GetInt("port"),
		RuntimeRoot:        viper.GetString("runtime.root"),
		InstallCommand:     viper.GetString("runtime.install_command"),
		DevCommand:         viper.GetString("runtime.dev_command"),
		Template:           viper.GetString("runtime.template"),
		Debounce:           viper.GetDuration("sync.debounce").String(),
		AutoSave:           viper.GetBool("sync.auto_save"),
		Watch:              viper.GetBool("sync.watch"),
		MaxRetries:         viper.GetInt("agent.max_retries"),
		HistoryKeep:        viper.GetInt("agent.history_keep"),
		GenerationEndpoint: viper.GetString("generation.endpoint"),
		AnthropicModel:     viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

// configSections groups keys the way the generated config file does.
var configSections = []struct {
	Title string
	Keys  []configKeyInfo
}{
	{"general", []configKeyInfo{
		{Key: "state_dir", EnvVar: "FORGE_STATE_DIR"},
		{Key: "db_path", EnvVar: "FORGE_DB_PATH"},
		{Key: "port", EnvVar: "FORGE_PORT"},
	}},
	{"runtime", []configKeyInfo{
		{Key: "runtime.root", EnvVar: "FORGE_RUNTIME_ROOT"},
		{Key: "runtime.install_command", EnvVar: "FORGE_RUNTIME_INSTALL_COMMAND"},
		{Key: "runtime.dev_command", EnvVar: "FORGE_RUNTIME_DEV_COMMAND"},
		{Key: "runtime.template", EnvVar: "FORGE_RUNTIME_TEMPLATE"},
	}},
	{"sync", []configKeyInfo{
		{Key: "sync.debounce", EnvVar: "FORGE_SYNC_DEBOUNCE"},
		{Key: "sync.auto_save", EnvVar: "FORGE_SYNC_AUTO_SAVE"},
		{Key: "sync.watch", EnvVar: "FORGE_SYNC_WATCH"},
	}},
	{"agent", []configKeyInfo{
		{Key: "agent.max_retries", EnvVar: "FORGE_AGENT_MAX_RETRIES"},
		{Key: "agent.history_keep", EnvVar: "FORGE_AGENT_HISTORY_KEEP"},
	}},
	{"generation", []configKeyInfo{
		{Key: "generation.endpoint", EnvVar: "FORGE_GENERATION_ENDPOINT"},
		{Key: "anthropic.api_key", EnvVar: "FORGE_ANTHROPIC_API_KEY", Secret: true},
		{Key: "anthropic.model", EnvVar: "FORGE_ANTHROPIC_MODEL"},
	}},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}

	fileValues := readConfigFileValues(cfgPath)
	for _, sec := range configSections {
		fmt.Fprintf(ui.Out, "\n%s\n", sec.Title)
		for _, k := range sec.Keys {
			val := fmt.Sprint(viper.Get(k.Key))
			if k.Secret {
				val = maskSecret(val)
			}
			fmt.Fprintf(ui.Out, "  %-26s %s  %s\n", k.Key, val, detectSource(k.Key, k.EnvVar, fileValues))
		}
	}
	return nil
}

// maskSecret keeps the last four characters of a non-empty secret.
func maskSecret(s string) string {
	switch {
	case s == "":
		return `""`
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

// validateConfig reports every invalid setting, not just the first.
func validateConfig() error {
	var errs []error
	if p := viper.GetInt("port"); p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("port: %d is out of range", p))
	}
	if d := viper.GetDuration("sync.debounce"); d <= 0 {
		errs = append(errs, fmt.Errorf("sync.debounce: must be positive, got %q", viper.GetString("sync.debounce")))
	}
	if n := viper.GetInt("agent.max_retries"); n < 0 {
		errs = append(errs, fmt.Errorf("agent.max_retries: must not be negative, got %d", n))
	}
	if n := viper.GetInt("agent.history_keep"); n < 0 {
		errs = append(errs, fmt.Errorf("agent.history_keep: must not be negative, got %d", n))
	}
	for _, key := range []string{"runtime.install_command", "runtime.dev_command"} {
		if len(strings.Fields(viper.GetString(key))) == 0 {
			errs = append(errs, fmt.Errorf("%s: must not be empty", key))
		}
	}
	if ep := viper.GetString("generation.endpoint"); ep != "" {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("generation.endpoint: %q is not an http(s) URL", ep))
		}
	}
	if id := viper.GetString("runtime.template"); id != "" {
		if _, ok := templates.Get(id); !ok {
			errs = append(errs, fmt.Errorf("runtime.template: unknown template %q", id))
		}
	}
	if root := viper.GetString("runtime.root"); root != "" {
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Errorf("runtime.root: %s is not a directory", root))
		}
	}
	return errors.Join(errs...)
}

func configValidateRun() error {
	if err := validateConfig(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			ui.Error("%s", line)
		}
		return errors.New("invalid configuration")
	}
	ui.Success("Configuration is valid")
	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'forge config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
