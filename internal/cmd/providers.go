package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/llmgate/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and the backup chain",
	Long: `List every provider in the descriptor table with its model, prices,
credential status and position in the backup chain. Credentials are
resolved from the environment variable named by credential_ref.`,
	RunE: runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tbl, err := cfg.Table()
	if err != nil {
		return err
	}
	// missing credentials are shown in the table rather than failing
	creds, _ := provider.ResolveAll(cmd.Context(), provider.EnvResolver{}, tbl, tbl.IDs())

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Providers"))
	fmt.Fprintln(out, renderProviders(tbl, cfg.BackupChain, creds))
	return nil
}

func renderProviders(tbl *provider.Table, chain []string, creds provider.Credentials) string {
	position := make(map[string]int, len(chain))
	for i, id := range chain {
		position[id] = i + 1
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ID", "VENDOR", "MODEL", "CREDENTIAL", "IN $/1K", "OUT $/1K", "CHAIN")

	for _, d := range tbl.Descriptors() {
		credential := warnStyle.Render("missing " + d.CredentialRef)
		if creds[d.ID] != "" {
			credential = okStyle.Render("set")
		}
		pos := "-"
		if p, ok := position[d.ID]; ok {
			pos = strconv.Itoa(p)
		}
		t.Row(
			d.ID,
			d.Vendor,
			d.ModelName,
			credential,
			strconv.FormatFloat(d.InputPricePer1K, 'f', -1, 64),
			strconv.FormatFloat(d.OutputPricePer1K, 'f', -1, 64),
			pos,
		)
	}
	return t.String()
}
