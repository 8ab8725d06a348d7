package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/discovery"
	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Mine note snapshots for closure-correlated phrases",
	Long:  "Runs n-gram discovery with false-discovery-rate correction over a note snapshot, producing CANDIDATE cards for human review.",
}

func discoveryConfig() discovery.Config {
	c := discovery.DefaultConfig()
	d := cfg.Discovery
	if d.MaxNgram > 0 {
		c.MaxNgram = d.MaxNgram
	}
	if d.HorizonDays > 0 {
		c.HorizonDays = d.HorizonDays
	}
	if d.MinSupport > 0 {
		c.MinSupport = d.MinSupport
	}
	if d.FDRThreshold > 0 {
		c.FDRThreshold = d.FDRThreshold
	}
	if d.MaxCards > 0 {
		c.MaxCards = d.MaxCards
	}
	if d.MaxExamples > 0 {
		c.MaxExamples = d.MaxExamples
	}
	if d.ExcerptLen > 0 {
		c.ExcerptLen = d.ExcerptLen
	}
	if d.ClosurePolicy != "" {
		c.ClosurePolicy = d.ClosurePolicy
	}
	if d.Workers > 0 {
		c.Workers = d.Workers
	}
	return c
}

// -- discover run --

var discoverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run phrase discovery over a note snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		snapshotID, _ := cmd.Flags().GetString("snapshot")
		minSupport, _ := cmd.Flags().GetInt("min-support")
		horizonDays, _ := cmd.Flags().GetInt("horizon-days")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		dcfg := discoveryConfig()
		if minSupport > 0 {
			dcfg.MinSupport = minSupport
		}
		if horizonDays > 0 {
			dcfg.HorizonDays = horizonDays
		}

		res, err := discovery.NewPipeline(st, dcfg).Run(ctx, snapshotID)
		if err != nil {
			return err
		}

		fmt.Printf("Discovery run %s complete\n", res.RunID)
		fmt.Printf("  customers:       %d (%d closed)\n", res.Customers, res.Closed)
		fmt.Printf("  phrases tested:  %d\n", res.PhrasesTested)
		fmt.Printf("  cards emitted:   %d\n", len(res.Cards))
		return nil
	},
}

// -- discover list --

var discoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovery cards",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cards, err := st.ListDiscoveryCards(ctx, store.DiscoveryCardFilter{
			Status: model.DiscoveryStatus(status),
			RunID:  runID,
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			fmt.Fprintln(os.Stderr, "No discovery cards found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cards)
		}
		formatDiscoveryList(cards)
		return nil
	},
}

func formatDiscoveryList(cards []model.DiscoveryCard) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHRASE\tSUPPORT\tLIFT\tODDS\tP\tFDR\tSEVERITY\tSTATUS")
	for _, c := range cards {
		severity := c.Severity
		if severity == "" {
			severity = discovery.DeriveSeverity(c)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.4g\t%.4g\t%s\t%s\n",
			c.ID, c.Phrase, c.Support, c.Lift, c.OddsRatio, c.PValue, c.FDR, severity, c.Status)
	}
	w.Flush() //nolint:errcheck
}

// -- discover approve / reject --

var discoverApproveCmd = &cobra.Command{
	Use:   "approve <card-id>",
	Short: "Approve a candidate card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewCard(cmd, args[0], true)
	},
}

var discoverRejectCmd = &cobra.Command{
	Use:   "reject <card-id>",
	Short: "Reject a candidate card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewCard(cmd, args[0], false)
	},
}

func reviewCard(cmd *cobra.Command, cardID string, approve bool) error {
	ctx := cmd.Context()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	card, err := discovery.Review(ctx, st, cardID, approve)
	if err != nil {
		return err
	}

	if approve {
		fmt.Printf("Card %q approved with severity %s\n", card.Phrase, card.Severity)
	} else {
		fmt.Printf("Card %q rejected\n", card.Phrase)
	}
	return nil
}

// -- discover export --

var discoverExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export discovery cards to an XLSX review workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")
		status, _ := cmd.Flags().GetString("status")
		runID, _ := cmd.Flags().GetString("run")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := discovery.ExportWorkbook(ctx, st, store.DiscoveryCardFilter{
			Status: model.DiscoveryStatus(status),
			RunID:  runID,
		}, out)
		if err != nil {
			return err
		}

		fmt.Printf("Exported %d cards to %s\n", n, out)
		return nil
	},
}

func init() {
	discoverRunCmd.Flags().String("snapshot", "", "note snapshot id to mine (required)")
	discoverRunCmd.Flags().Int("min-support", 0, "override minimum customer support")
	discoverRunCmd.Flags().Int("horizon-days", 0, "override closure horizon in days")
	discoverRunCmd.MarkFlagRequired("snapshot") //nolint:errcheck

	discoverListCmd.Flags().String("status", "", "filter by status (CANDIDATE, APPROVED, REJECTED)")
	discoverListCmd.Flags().String("run", "", "filter by discovery run id")
	discoverListCmd.Flags().Int("limit", 50, "max cards to display")
	discoverListCmd.Flags().Bool("json", false, "emit JSON instead of a table")

	discoverExportCmd.Flags().String("out", "discovery.xlsx", "output workbook path")
	discoverExportCmd.Flags().String("status", "", "filter by status")
	discoverExportCmd.Flags().String("run", "", "filter by discovery run id")

	discoverCmd.AddCommand(discoverRunCmd)
	discoverCmd.AddCommand(discoverListCmd)
	discoverCmd.AddCommand(discoverApproveCmd)
	discoverCmd.AddCommand(discoverRejectCmd)
	discoverCmd.AddCommand(discoverExportCmd)
	rootCmd.AddCommand(discoverCmd)
}
