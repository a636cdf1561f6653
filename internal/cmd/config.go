package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the gateway configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintln(out, errStyle.Render("✗ configuration is invalid"))
			if gwErr, ok := errors.As(err); ok {
				fmt.Fprintln(out, dimStyle.Render(gwErr.Summary()))
			}
			return err
		}
		fmt.Fprintln(out, okStyle.Render("✓ configuration is valid"))
		fmt.Fprintf(out, "  providers:    %d\n", len(cfg.Providers))
		fmt.Fprintf(out, "  backup chain: %v\n", cfg.BackupChain)
		fmt.Fprintf(out, "  store:        %s (%s)\n", cfg.Store.Driver, cfg.Store.DSN)
		fmt.Fprintf(out, "  listen:       %s\n", cfg.Server.Address)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults and environment expansion
have been applied. Credentials are never part of the configuration; only
the names of the variables holding them are shown.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
