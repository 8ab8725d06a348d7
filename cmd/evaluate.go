package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/engine"
	"github.com/sells-group/retention-cli/internal/registry"
	"github.com/sells-group/retention-cli/internal/rules"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <note-id>",
	Short: "Evaluate one stored note against a ruleset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		version, _ := cmd.Flags().GetString("ruleset")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := registry.New(st)
		var rs *rules.Ruleset
		if version != "" {
			rs, _, err = reg.Get(ctx, version)
		} else {
			rs, _, err = reg.GetActive(ctx)
		}
		if err != nil {
			return err
		}

		matcher, err := initMatcher()
		if err != nil {
			return err
		}

		eng := engine.New(st, matcher, cfg.Engine.AgentVersion)
		ev, inserted, err := eng.EvaluateNote(ctx, rs, args[0])
		if err != nil {
			return err
		}

		if ev.Card == nil {
			fmt.Printf("No card: score %g below minimum %g (%d hits, %d rule errors)\n",
				ev.Score, rs.MinScore, len(ev.Hits), ev.RuleErrors)
			return nil
		}

		if !inserted {
			fmt.Fprintln(os.Stderr, "Card already exists for this note and ruleset version.")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ev.Card)
	},
}

func init() {
	evaluateCmd.Flags().String("ruleset", "", "ruleset version to pin (default: active version)")
	rootCmd.AddCommand(evaluateCmd)
}
