// Package cmd implements the llmgate command line.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/llmgate/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "llmgate",
	Short: "Multi-provider LLM streaming gateway",
	Long: `llmgate relays chat completions from Anthropic, OpenAI and Gemini to
websocket clients in real time. Transient provider failures are retried,
persistent ones fail over along a backup chain, and every message is
priced and checkpointed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default "+config.DefaultPath+" when present)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx available to every command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the file named by --config. Without the flag it reads
// config.DefaultPath if it exists and otherwise uses the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(config.DefaultPath); err != nil {
			cfg := config.DefaultConfig()
			return cfg, cfg.Validate()
		}
		path = config.DefaultPath
	}
	return config.Load(path)
}
