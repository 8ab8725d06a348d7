package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Materialize and inspect note snapshots",
	Long:  "A note snapshot freezes the note stream at a point in time so replays and discovery runs see an immutable corpus.",
}

// -- snapshot create --

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Freeze the note stream as of a timestamp",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		asOfStr, _ := cmd.Flags().GetString("as-of")
		asOf := time.Now().UTC()
		if asOfStr != "" {
			t, err := parseTime(asOfStr)
			if err != nil {
				return err
			}
			asOf = t
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.MaterializeNoteSnapshot(ctx, asOf)
		if err != nil {
			return err
		}

		fmt.Printf("Snapshot %s created: %d notes as of %s\n",
			snap.ID, snap.NoteCount, snap.AsOf.Format(time.RFC3339))
		return nil
	},
}

// -- snapshot show --

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Show snapshot metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.GetNoteSnapshot(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	snapshotCreateCmd.Flags().String("as-of", "", "freeze point (RFC3339, default now)")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	rootCmd.AddCommand(snapshotCmd)
}
