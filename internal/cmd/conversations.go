package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/llmgate/internal/checkpoint"
	"github.com/felixgeelhaar/llmgate/internal/config"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Inspect persisted conversations",
	Long: `Inspect the conversations in the checkpoint store named by the store
section of the configuration.

Examples:
  llmgate conversations list --limit 10
  llmgate conversations show 5f0c...`,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recently updated conversations",
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show one conversation with its messages and usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var (
	conversationsLimit int
	conversationsJSON  bool
)

func init() {
	conversationsListCmd.Flags().IntVarP(&conversationsLimit, "limit", "n", 20, "maximum number of conversations")
	conversationsCmd.PersistentFlags().BoolVar(&conversationsJSON, "json", false, "output as JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	rootCmd.AddCommand(conversationsCmd)
}

// openCheckpoints opens the configured store; the caller closes it.
func openCheckpoints(cfg *config.Config) (*checkpoint.Manager, func(), error) {
	store, err := checkpoint.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	return checkpoint.NewManager(store), func() { _ = store.Close() }, nil
}

func runConversationsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	checkpoints, closeStore, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	summaries, err := checkpoints.List(cmd.Context(), conversationsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if conversationsJSON {
		return writeJSON(cmd, summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no conversations"))
		return nil
	}
	fmt.Fprintln(out, titleStyle.Render("Conversations"))
	fmt.Fprintln(out, renderSummaries(summaries))
	return nil
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	checkpoints, closeStore, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	conv, err := checkpoints.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if conversationsJSON {
		return writeJSON(cmd, conv)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(conv.Title))
	fmt.Fprintln(out, dimStyle.Render(conv.ID+"  updated "+conv.UpdatedAt.Format(time.RFC3339)))
	for _, m := range conv.Messages {
		role := headerStyle.Render(string(m.Role))
		if m.ProviderID != "" {
			role += dimStyle.Render(m.ProviderID + "/" + m.Model)
		}
		fmt.Fprintln(out, role)
		fmt.Fprintln(out, cellStyle.Render(m.Content))
	}

	u := conv.Usage()
	fmt.Fprintf(out, "\n%d requests, %d input tokens, %d output tokens, $%.6f\n",
		u.RequestCount, u.InputTokens, u.OutputTokens, u.Cost)
	return nil
}

func renderSummaries(summaries []checkpoint.Summary) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ID", "TITLE", "MESSAGES", "UPDATED")

	for _, s := range summaries {
		t.Row(s.ID, s.Title, strconv.Itoa(s.MessageCount), s.UpdatedAt.Format(time.RFC3339))
	}
	return t.String()
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
