package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/costguard/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file, and COSTGUARD_*
overrides have been applied. Credentials in the Redis URL are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := effectiveYAML(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the supported environment overrides",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range config.EnvNames() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configEnvCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveYAML renders cfg with secrets masked.
func effectiveYAML(cfg *config.Config) ([]byte, error) {
	masked := *cfg
	if raw := masked.Storage.Redis.URL; raw != "" {
		if u, err := url.Parse(raw); err == nil {
			masked.Storage.Redis.URL = u.Redacted()
		}
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}
	return out, nil
}
