package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/jarvislabs/jarvis/internal/auth"
	"github.com/jarvislabs/jarvis/internal/config"
)

func buildSetupCmd() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter config interactively",
		Long: `Setup walks through the handful of settings a new deployment needs,
generates the dashboard token, and writes a starter config. API keys can be
left blank to reference environment variables instead; the config loader
expands ${VAR} on load. Settings the wizard does not ask about take their
defaults at load time.`,
		Example: `  jarvis setup
  jarvis setup -o /etc/jarvis/jarvis.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, output, force)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", defaultConfigPath, "path for the generated config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	return cmd
}

// setupOptions captures the wizard's answers.
type setupOptions struct {
	Port               int
	StoragePath        string
	BusURL             string
	KVURL              string
	Provider           string
	ProviderKey        string
	ProviderBaseURL    string
	DashboardToken     string
	MachineTokenHashes []string
}

func runSetup(cmd *cobra.Command, output string, force bool) error {
	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	}

	defaults := config.Default()
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprintln(out, "jarvis setup")
	fmt.Fprintln(out, "Press enter to accept the defaults in brackets.")
	fmt.Fprintln(out)

	opts := setupOptions{}

	portText := promptString(reader, "Hub port", strconv.Itoa(defaults.Hub.Port))
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portText)
	}
	opts.Port = port
	opts.StoragePath = promptString(reader, "Storage path", defaults.Storage.Path)
	opts.BusURL = promptString(reader, "NATS URL", defaults.Bus.URL)
	opts.KVURL = promptString(reader, "Redis URL", defaults.KV.URL)

	opts.Provider = strings.ToLower(promptString(reader, "LLM provider (anthropic/openai/google/openrouter/ollama)", "anthropic"))
	switch opts.Provider {
	case "ollama":
		opts.ProviderBaseURL = promptString(reader, "Ollama base URL", "http://127.0.0.1:11434")
	case "anthropic", "openai", "google", "openrouter":
		keyEnv := strings.ToUpper(opts.Provider) + "_API_KEY"
		key := promptPassword(reader, fmt.Sprintf("API key (blank to reference ${%s})", keyEnv))
		if key == "" {
			key = "${" + keyEnv + "}"
		}
		opts.ProviderKey = key
	default:
		return fmt.Errorf("unknown provider %q", opts.Provider)
	}

	opts.DashboardToken, err = auth.GenerateToken()
	if err != nil {
		return err
	}

	var machineToken string
	if promptBool(reader, "Generate a machine token for headless clients", false) {
		machineToken, err = auth.GenerateToken()
		if err != nil {
			return err
		}
		opts.MachineTokenHashes = []string{auth.HashToken(machineToken)}
	}

	data, err := yaml.Marshal(starterConfig(opts))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(output, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Config written: %s\n", output)
	fmt.Fprintf(out, "Dashboard token:\n  %s\n", opts.DashboardToken)
	if machineToken != "" {
		// Only the hash goes into the file.
		fmt.Fprintf(out, "Machine token (shown once, save it now):\n  %s\n", machineToken)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  jarvis serve -c %s\n", output)
	fmt.Fprintf(out, "  jarvis agent -c %s --id dev-1 --role dev\n", output)

	return nil
}

// starterConfig builds the config map the wizard writes.
func starterConfig(opts setupOptions) map[string]any {
	providerEntry := map[string]any{}
	if opts.ProviderKey != "" {
		providerEntry["api_key"] = opts.ProviderKey
	}
	if opts.ProviderBaseURL != "" {
		providerEntry["base_url"] = opts.ProviderBaseURL
	}

	authEntry := map[string]any{
		"token": opts.DashboardToken,
	}
	if len(opts.MachineTokenHashes) > 0 {
		authEntry["machine_token_hashes"] = opts.MachineTokenHashes
	}

	return map[string]any{
		"hub": map[string]any{
			"host": "0.0.0.0",
			"port": opts.Port,
		},
		"bus":     map[string]any{"url": opts.BusURL},
		"kv":      map[string]any{"url": opts.KVURL},
		"storage": map[string]any{"path": opts.StoragePath},
		"auth":    authEntry,
		"llm": map[string]any{
			"providers":     map[string]any{opts.Provider: providerEntry},
			"cache_enabled": true,
		},
		"logging": map[string]any{"level": "info", "format": "json"},
	}
}

// promptString prompts for a string input with an optional default value.
func promptString(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	text, _ := reader.ReadString('\n')
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultValue
	}
	return text
}

// promptBool prompts for a yes/no input.
func promptBool(reader *bufio.Reader, label string, defaultValue bool) bool {
	defaultLabel := "n"
	if defaultValue {
		defaultLabel = "y"
	}
	answer := strings.ToLower(promptString(reader, label+" (y/n)", defaultLabel))
	if answer == "" {
		return defaultValue
	}
	return answer == "y" || answer == "yes"
}

// promptPassword prompts without echoing when stdin is a terminal.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
