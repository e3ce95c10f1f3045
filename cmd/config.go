package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/chatkeeper/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "chatkeeper.toml",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Replace an existing file",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Check the configuration and report missing secrets",
				Action: runConfigValidate,
			},
			{
				Name:   "providers",
				Usage:  "List providers in the order prompts fall back through them",
				Action: runConfigProviders,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if c.Bool("force") {
		if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to replace %s: %w", outputPath, err)
		}
	}
	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result := CheckRequiredConfig(cfg)
	PrintConfigCheck(result)

	if len(result.Missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(result.Missing, ", "))
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	printProviders(c.App.Writer, cfg.Providers)
	fmt.Fprintln(c.App.Writer, "Configuration is valid")
	return nil
}

func runConfigProviders(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers configured; every prompt would fail")
	}
	printProviders(c.App.Writer, cfg.Providers)
	return nil
}

func printProviders(out io.Writer, providers []config.ProviderConfig) {
	fmt.Fprintln(out, "Providers (fallback order):")
	for i, p := range providers {
		model := p.Model
		if model == "" {
			model = "default model"
		}
		images := "text only"
		if p.SupportsImages() {
			images = "text + images"
		}
		fmt.Fprintf(out, "  %d. %s [%s, %s, %s]\n", i+1, p.Name, p.Kind, model, images)
	}
}
