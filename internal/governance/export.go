package governance

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nicole-mentor/nicole/internal/governance/quota"
)

// Export formats accepted by the usage export endpoint.
const (
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

const (
	usageSheet   = "Usage"
	xlsxMIMEType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	// maxExportEvents caps a single export.
	maxExportEvents = 50000
)

var usageColumns = []any{"Timestamp (UTC)", "Endpoint", "Status", "Latency (s)", "Tokens", "Event ID"}

// UsageExport is the JSON export document.
type UsageExport struct {
	UserID      string        `json:"user_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Truncated   bool          `json:"truncated"`
	Events      []quota.Event `json:"events"`
}

func writeUsageJSON(w io.Writer, doc UsageExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// writeUsageXLSX writes the events as a single-sheet workbook, one row per
// event under a header row.
func writeUsageXLSX(w io.Writer, events []quota.Event) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), usageSheet); err != nil {
		return fmt.Errorf("naming usage sheet: %w", err)
	}
	if err := f.SetSheetRow(usageSheet, "A1", &usageColumns); err != nil {
		return fmt.Errorf("writing header row: %w", err)
	}

	for i, e := range events {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		var latency any
		if e.LatencySeconds != nil {
			latency = *e.LatencySeconds
		}
		row := []any{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Endpoint,
			e.StatusCode,
			latency,
			e.TokenCount,
			e.ID.String(),
		}
		if err := f.SetSheetRow(usageSheet, cell, &row); err != nil {
			return fmt.Errorf("writing usage row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}
