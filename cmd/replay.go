package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/engine"
	"github.com/sells-group/retention-cli/internal/registry"
	"github.com/sells-group/retention-cli/internal/rules"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a note snapshot through a ruleset",
	Long:  "Evaluates every note in a materialized snapshot against the active (or pinned) ruleset version. Re-running the same replay is idempotent: existing cards are counted as deduped, never duplicated.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		snapshotID, _ := cmd.Flags().GetString("snapshot")
		version, _ := cmd.Flags().GetString("ruleset")
		workers, _ := cmd.Flags().GetInt("workers")
		notesPerSec, _ := cmd.Flags().GetFloat64("notes-per-sec")

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

		if workers <= 0 {
			workers = cfg.Replay.Workers
		}
		if notesPerSec < 0 {
			notesPerSec = cfg.Replay.NotesPerSec
		}

		eng := engine.New(st, matcher, cfg.Engine.AgentVersion)
		runID, summary, err := eng.Replay(ctx, rs, snapshotID, engine.ReplayOptions{
			Workers:     workers,
			NotesPerSec: notesPerSec,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Replay %s complete (ruleset %s)\n", runID, rs.Version)
		fmt.Printf("  processed:           %d\n", summary.Processed)
		fmt.Printf("  cards emitted:       %d\n", summary.Emitted)
		fmt.Printf("  deduped:             %d\n", summary.Deduped)
		fmt.Printf("  no snapshot data:    %d\n", summary.SkippedNoSnapshot)
		fmt.Printf("  rule errors:         %d\n", summary.RuleErrors)
		return nil
	},
}

func init() {
	replayCmd.Flags().String("snapshot", "", "note snapshot id to replay (required)")
	replayCmd.Flags().String("ruleset", "", "ruleset version to pin (default: active version)")
	replayCmd.Flags().Int("workers", 0, "evaluation workers (default from config)")
	replayCmd.Flags().Float64("notes-per-sec", -1, "dispatch throttle; 0 runs accelerated")
	replayCmd.MarkFlagRequired("snapshot") //nolint:errcheck
	rootCmd.AddCommand(replayCmd)
}
