package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Append events to the immutable input streams",
}

// -- ingest notes --

var ingestNotesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Bulk-append advisor notes from CSV",
	Long:  "Reads note_id,customer_id,created_ts,text rows. Rows must be ordered by created_ts per customer; duplicate note ids are skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("csv")

		rows, err := readCSV(path)
		if err != nil {
			return err
		}

		notes := make([]model.Note, 0, len(rows))
		for i, row := range rows {
			if len(row) < 4 {
				return eris.Errorf("ingest: row %d has %d columns, want 4", i+1, len(row))
			}
			ts, err := parseTime(row[2])
			if err != nil {
				return eris.Wrapf(err, "ingest: row %d created_ts", i+1)
			}
			notes = append(notes, model.Note{
				ID:         row[0],
				CustomerID: row[1],
				CreatedTS:  ts,
				Text:       row[3],
			})
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inserted, err := st.BulkAppendNotes(ctx, notes)
		if err != nil {
			return err
		}

		zap.L().Info("notes ingested",
			zap.Int("rows", len(notes)),
			zap.Int("inserted", inserted),
			zap.Int("duplicates", len(notes)-inserted),
		)
		fmt.Printf("Ingested %d notes (%d duplicates skipped)\n", inserted, len(notes)-inserted)
		return nil
	},
}

// -- ingest closures --

var ingestClosuresCmd = &cobra.Command{
	Use:   "closures",
	Short: "Append account closure events from CSV",
	Long:  "Reads customer_id,closure_ts rows.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("csv")

		rows, err := readCSV(path)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for i, row := range rows {
			if len(row) < 2 {
				return eris.Errorf("ingest: row %d has %d columns, want 2", i+1, len(row))
			}
			ts, err := parseTime(row[1])
			if err != nil {
				return eris.Wrapf(err, "ingest: row %d closure_ts", i+1)
			}
			if err := st.AppendClosure(ctx, model.Closure{CustomerID: row[0], ClosureTS: ts}); err != nil {
				return err
			}
		}

		fmt.Printf("Ingested %d closures\n", len(rows))
		return nil
	},
}

// -- ingest snapshots --

var ingestSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Append structured account snapshots from CSV",
	Long:  "Reads customer_id,snapshot_ts,rate,term_months,origination_date rows.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("csv")

		rows, err := readCSV(path)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for i, row := range rows {
			if len(row) < 5 {
				return eris.Errorf("ingest: row %d has %d columns, want 5", i+1, len(row))
			}
			snap, err := parseSnapshotRow(row)
			if err != nil {
				return eris.Wrapf(err, "ingest: row %d", i+1)
			}
			if err := st.AppendCustomerSnapshot(ctx, snap); err != nil {
				return err
			}
		}

		fmt.Printf("Ingested %d snapshots\n", len(rows))
		return nil
	},
}

func parseSnapshotRow(row []string) (model.CustomerSnapshot, error) {
	ts, err := parseTime(row[1])
	if err != nil {
		return model.CustomerSnapshot{}, eris.Wrap(err, "snapshot_ts")
	}
	rate, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return model.CustomerSnapshot{}, eris.Wrap(err, "rate")
	}
	term, err := strconv.Atoi(row[3])
	if err != nil {
		return model.CustomerSnapshot{}, eris.Wrap(err, "term_months")
	}
	orig, err := parseTime(row[4])
	if err != nil {
		return model.CustomerSnapshot{}, eris.Wrap(err, "origination_date")
	}
	return model.CustomerSnapshot{
		CustomerID:      row[0],
		SnapshotTS:      ts,
		Rate:            rate,
		TermMonths:      term,
		OriginationDate: orig,
	}, nil
}

func readCSV(path string) ([][]string, error) {
	if path == "" {
		return nil, eris.New("ingest: --csv is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read %s", path)
		}
		rows = append(rows, row)
	}

	// Skip a header row if present.
	if len(rows) > 0 && (rows[0][0] == "note_id" || rows[0][0] == "customer_id") {
		rows = rows[1:]
	}
	return rows, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized timestamp %q", s)
}

func init() {
	for _, c := range []*cobra.Command{ingestNotesCmd, ingestClosuresCmd, ingestSnapshotsCmd} {
		c.Flags().String("csv", "", "path to the input CSV file")
	}

	ingestCmd.AddCommand(ingestNotesCmd)
	ingestCmd.AddCommand(ingestClosuresCmd)
	ingestCmd.AddCommand(ingestSnapshotsCmd)
	rootCmd.AddCommand(ingestCmd)
}
