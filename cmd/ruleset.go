package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/registry"
)

var rulesetCmd = &cobra.Command{
	Use:   "ruleset",
	Short: "Manage versioned scoring rulesets",
	Long:  "Submitted rulesets start as DRAFT. Exactly one version is ACTIVE; activating a version supersedes the previous active one.",
}

// -- ruleset submit --

var rulesetSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Validate and register a ruleset definition as DRAFT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		doc, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read ruleset %s", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rs, err := registry.New(st).Submit(ctx, doc)
		if err != nil {
			return err
		}

		fmt.Printf("Ruleset %s submitted as DRAFT (%d rules, min_score %g)\n",
			rs.Version, len(rs.Rules), rs.MinScore)
		return nil
	},
}

// -- ruleset activate --

var rulesetActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Promote a version to ACTIVE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := registry.New(st).Activate(ctx, args[0]); err != nil {
			return err
		}

		fmt.Printf("Ruleset %s is now ACTIVE\n", args[0])
		return nil
	},
}

// -- ruleset list --

var rulesetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all ruleset versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		versions, err := registry.New(st).List(ctx)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Fprintln(os.Stderr, "No rulesets found.")
			return nil
		}

		formatRulesetList(versions)
		return nil
	},
}

// -- ruleset show --

var rulesetShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Print a stored ruleset definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, rec, err := registry.New(st).Get(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("# version %s, status %s\n%s", rec.Version, rec.Status, rec.Definition)
		return nil
	},
}

func formatRulesetList(versions []model.RulesetVersion) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATUS\tACTIVATED\tCREATED")
	for _, v := range versions {
		activated := "-"
		if v.ActivatedAt != nil {
			activated = v.ActivatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Version, v.Status, activated, v.CreatedAt.Format(time.RFC3339))
	}
	w.Flush() //nolint:errcheck
}

func init() {
	rulesetCmd.AddCommand(rulesetSubmitCmd)
	rulesetCmd.AddCommand(rulesetActivateCmd)
	rulesetCmd.AddCommand(rulesetListCmd)
	rulesetCmd.AddCommand(rulesetShowCmd)
	rootCmd.AddCommand(rulesetCmd)
}
