// Package cli implements the refillctl operator commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/opensource-finance/refill/internal/config"
	"github.com/opensource-finance/refill/internal/domain"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "refillctl",
	Short: "operate the refill prediction engine",
	Long: `refillctl - operator tool for the refill prediction engine
  - import cleaned transaction CSVs into the configured database
  - run refill reports offline, straight from the database`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "refill.yaml", "Path to the configuration file")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(reportCmd)
}

func loadConfig() (*domain.Config, error) {
	return config.Load(configPath)
}
