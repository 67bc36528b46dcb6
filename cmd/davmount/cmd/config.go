package cmd

import (
	"fmt"

	"github.com/davmount/davmount/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  `Load the configuration file, apply defaults and print the result as YAML.`,
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(configFile)
	if err != nil {
		return err
	}

	cfg := mgr.Config()
	for i := range cfg.Servers {
		if cfg.Servers[i].Password != "" {
			cfg.Servers[i].Password = "********"
		}
	}
	if cfg.API.APIKey != "" {
		cfg.API.APIKey = "********"
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, _ = cmd.OutOrStdout().Write(data)
	return nil
}
