package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "apex"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage apex configuration.

Running bare 'apex config' is the same as 'apex config show'.`,
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
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# apex configuration (apex config show prints effective values)

# State/data directory (default: ~/.config/apex)
# state_dir: {{ .StateDir }}

# SQLite database holding cached builds and the event journal
# db_path: {{ .DBPath }}

# Build backend
api:
  url: "{{ .APIURL }}"
  # Bearer token; prefer APEX_API_TOKEN in the environment or a .env file
  token: ""

# Defaults for new builds
build:
  # "fast" or "full"
  mode: "{{ .BuildMode }}"
  # "fast", "balanced" or "max"
  power_mode: "{{ .PowerMode }}"

# Live event stream
stream:
  # Redial attempts before falling back to the build record
  max_reconnects: {{ .MaxReconnects }}
  reconnect_delay: "{{ .ReconnectDelay }}"

# Dashboard server
serve:
  port: {{ .ServePort }}

# Build summaries (apex summarize)
anthropic:
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	APIURL         string
	BuildMode      string
	PowerMode      string
	MaxReconnects  int
	ReconnectDelay string
	ServePort      int
	AnthropicModel string
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
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		APIURL:         viper.GetString("api.url"),
		BuildMode:      viper.GetString("build.mode"),
		PowerMode:      viper.GetString("build.power_mode"),
		MaxReconnects:  viper.GetInt("stream.max_reconnects"),
		ReconnectDelay: viper.GetDuration("stream.reconnect_delay").String(),
		ServePort:      viper.GetInt("serve.port"),
		AnthropicModel: viper.GetString("anthropic.model"),
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

// configKeys are the settings config show reports, in display order.
var configKeys = []string{
	"state_dir", "db_path",
	"api.url", "api.token",
	"build.mode", "build.power_mode",
	"stream.max_reconnects", "stream.reconnect_delay",
	"serve.port",
	"anthropic.api_key", "anthropic.model",
}

// secretKeys are masked by config show.
var secretKeys = map[string]bool{
	"api.token":         true,
	"anthropic.api_key": true,
}

// envKeys maps nested config keys onto APEX_ variables (api.url -> APEX_API_URL).
var envKeys = strings.NewReplacer(".", "_")

func envVar(key string) string {
	return "APEX_" + strings.ToUpper(envKeys.Replace(key))
}

// displayValue masks secrets, keeping enough to tell tokens apart.
func displayValue(key string, val any) string {
	s := fmt.Sprint(val)
	if !secretKeys[key] || s == "" {
		return s
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

func configShowRun() error {
	cfgPath := viper.ConfigFileUsed()
	if cfgPath == "" {
		p, err := configFilePath()
		if err != nil {
			return err
		}
		cfgPath = p
	}

	file := readConfigFile(cfgPath)
	if file != nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	for _, key := range configKeys {
		source := "(default)"
		if _, ok := os.LookupEnv(envVar(key)); ok {
			source = fmt.Sprintf("(env: %s)", envVar(key))
		} else if inFile(file, key) {
			source = "(file)"
		}
		fmt.Fprintf(ui.Out, "  %-24s %s  %s\n", key, displayValue(key, viper.Get(key)), source)
	}
	return nil
}

// readConfigFile parses the YAML at path, or returns nil when it is missing
// or unreadable.
func readConfigFile(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	parsed := map[string]any{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	return parsed
}

// inFile reports whether the dotted key is set in the parsed file.
func inFile(m map[string]any, key string) bool {
	head, rest, nested := strings.Cut(key, ".")
	val, ok := m[head]
	if !ok || !nested {
		return ok
	}
	sub, ok := val.(map[string]any)
	return ok && inFile(sub, rest)
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'apex config init' first)", cfgPath)
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
