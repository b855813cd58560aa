package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelgate/babelgate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for backend details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration with secrets masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Babelgate Configuration Setup")
	color.Yellow("Follow the prompts to configure your first upstream backend.")

	reader := bufio.NewReader(os.Stdin)

	name := prompt(reader, "\nBackend name (e.g., openai, anthropic): ")
	baseURL := prompt(reader, "Base URL (e.g., https://api.openai.com/v1): ")
	apiKey := prompt(reader, "Backend API key: ")

	protocol := prompt(reader, "Backend protocol [openai_chat/openai_responses/anthropic_messages]: ")
	if protocol == "" {
		protocol = "openai_chat"
	}

	gatewayKey := prompt(reader, "Gateway API key (optional, for client authentication): ")

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayKey,
		Backends: []config.Backend{{
			Name:     name,
			BaseURL:  baseURL,
			APIKey:   apiKey,
			Protocol: protocol,
		}},
		Router: config.Router{Default: name},
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	color.Green("Configuration written to %s", cfgMgr.Path())
	return nil
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Get()
	if err != nil {
		return err
	}

	// Mask secrets before printing.
	shown := *cfg
	shown.APIKey = mask(shown.APIKey)
	shown.Backends = make([]config.Backend, len(cfg.Backends))
	for i, b := range cfg.Backends {
		b.APIKey = mask(b.APIKey)
		shown.Backends[i] = b
	}

	data, err := json.MarshalIndent(&shown, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func mask(secret string) string {
	if len(secret) <= 8 {
		if secret == "" {
			return ""
		}
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration invalid: %v", err)
		return err
	}

	color.Green("Configuration at %s is valid", cfgMgr.Path())
	fmt.Printf("  %d backend(s), default route %q\n", len(cfg.Backends), cfg.Router.Default)
	return nil
}
