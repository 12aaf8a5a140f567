package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/oplog"
)

var (
	historyDataDir string
	historyLimit   int
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect a data directory's operation log (offline)",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDataDir, "data-dir", "data", "Data directory of the instance to inspect")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum records to show (0 = all)")
	historyCmd.Flags().BoolVar(&historyJSON, "output-json", false, "Output as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	log, err := oplog.Open(filepath.Join(historyDataDir, "oplog"), 0)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer log.Close()

	records, err := log.History(historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		type row struct {
			ID        string    `json:"id"`
			Kind      string    `json:"kind"`
			State     string    `json:"state"`
			File      string    `json:"file"`
			Line      uint32    `json:"line"`
			Col       uint32    `json:"col"`
			Bytes     int       `json:"content_bytes"`
			BatchID   string    `json:"batch_id,omitempty"`
			Timestamp time.Time `json:"timestamp"`
		}
		rows := make([]row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, row{
				ID:        rec.Op.ID().String(),
				Kind:      rec.Op.Kind.String(),
				State:     rec.State.String(),
				File:      rec.Op.FilePath,
				Line:      rec.Op.Line,
				Col:       rec.Op.Col,
				Bytes:     len(rec.Op.Content),
				BatchID:   rec.Op.BatchID,
				Timestamp: time.Unix(0, rec.Op.TimestampNS),
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(records) == 0 {
		fmt.Println("no operations recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%-40s %-15s %-7s %s:%d:%d (%d bytes) %s\n",
			rec.Op.ID(),
			rec.Op.Kind,
			rec.State,
			rec.Op.FilePath,
			rec.Op.Line,
			rec.Op.Col,
			len(rec.Op.Content),
			time.Unix(0, rec.Op.TimestampNS).Format(time.RFC3339),
		)
	}
	return nil
}
