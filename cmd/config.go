package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/uniapi/uniapi/pkg/config"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the gateway configuration",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d providers)\n", configPath, len(cfg.Providers))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the config with credentials redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(out)
			return nil
		},
	}

	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Gateway config YAML path")
	configCmd.AddCommand(checkCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}
