package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AILab-FOI/bytesophos/internal/config"
	"github.com/AILab-FOI/bytesophos/internal/logging"
)

var (
	configPath string
	logLevel   string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bytesophos",
	Short: "Ask questions about source code repositories",
	Long: `bytesophos ingests a repository from GitHub, a ZIP upload or a local
directory, indexes it for hybrid vector and keyword search, and answers
questions about it with a chat completion model.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	logging.Init(logging.Config{
		Level:  loaded.Log.Level,
		Format: loaded.Log.Format,
		Output: loaded.Log.Output,
	})
	cfg = loaded
	return nil
}
