package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/config"
)

const maskedSecret = "********"

// runConfigShow handles the config show command.
func runConfigShow(cmd *cobra.Command, flags *globalFlags) error {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(maskSecrets(cfg))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if path == "" {
		fmt.Fprintln(out, "# defaults (no configuration file)")
	} else {
		fmt.Fprintf(out, "# %s\n", path)
	}
	_, err = out.Write(data)
	return err
}

// maskSecrets returns a copy of cfg with credentials replaced.
func maskSecrets(cfg *config.Config) *config.Config {
	masked := *cfg
	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskedSecret
	}
	if masked.Anthropic.APIKey != "" {
		masked.Anthropic.APIKey = maskedSecret
	}
	return &masked
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
