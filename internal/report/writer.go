package report

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// WriteCSV writes the header and rows as comma-separated values.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.Fields()); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes an aligned text table for terminals.
func WriteTable(w io.Writer, rows []Row) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader(Header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range rows {
		table.Append(r.Fields())
	}
	table.Render()
	return nil
}

// Write renders rows in the named format ("csv" or "table").
func Write(w io.Writer, format string, rows []Row) error {
	switch format {
	case "csv", "":
		return WriteCSV(w, rows)
	case "table":
		return WriteTable(w, rows)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}
