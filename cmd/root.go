package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/uniapi/uniapi/pkg/logutil"
)

var rootCmd = &cobra.Command{
	Use:   "uniapi",
	Short: "Multi-provider LLM API gateway",
	Long:  "uniapi is a reverse proxy that fronts multiple LLM providers behind one endpoint, with priority failover, cooldowns, and transparent streaming.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.FromEnv()
	}
}
