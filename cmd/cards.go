package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Inspect emitted lead cards",
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lead cards",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		customer, _ := cmd.Flags().GetString("customer")
		version, _ := cmd.Flags().GetString("ruleset")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cards, err := st.ListLeadCards(ctx, store.LeadCardFilter{
			CustomerID:     customer,
			RulesetVersion: version,
			MinScore:       minScore,
			Limit:          limit,
		})
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			fmt.Fprintln(os.Stderr, "No lead cards found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cards)
		}
		formatCardList(cards)
		return nil
	},
}

func formatCardList(cards []model.LeadCard) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CUSTOMER\tNOTE\tSCORE\tHITS\tRULESET\tEXPLANATION")
	for _, c := range cards {
		explanation := c.Explanation
		if len(explanation) > 60 {
			explanation = explanation[:60] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
			c.CustomerID, c.NoteID, c.Score, len(c.RuleHits), c.RulesetVersion, explanation)
	}
	w.Flush() //nolint:errcheck
}

func init() {
	cardsListCmd.Flags().String("customer", "", "filter by customer id")
	cardsListCmd.Flags().String("ruleset", "", "filter by ruleset version")
	cardsListCmd.Flags().Float64("min-score", 0, "minimum score")
	cardsListCmd.Flags().Int("limit", 50, "max cards to display")
	cardsListCmd.Flags().Bool("json", false, "emit JSON instead of a table")

	cardsCmd.AddCommand(cardsListCmd)
	rootCmd.AddCommand(cardsCmd)
}
