// Package sheets defines the spreadsheet data contract for content
// plans and a gateway over the Google Sheets API. Status values are a
// closed enum; the localized display strings used in the spreadsheet
// exist only at this edge.
package sheets

import "context"

// Gateway exposes the spreadsheet primitives the synchronizer needs.
type Gateway interface {
	// ReadRange returns the cell values of an A1-notation range.
	ReadRange(ctx context.Context, spreadsheetID, readRange string) ([][]string, error)
	// AppendRow appends one row at the bottom of a worksheet.
	AppendRow(ctx context.Context, spreadsheetID, worksheet string, row []string) error
	// UpdateCell writes a single cell, addressed by column letter and
	// 1-based row number.
	UpdateCell(ctx context.Context, spreadsheetID, worksheet, column string, row int, value string) error
	// EnsureStructure provisions worksheets, header rows, status
	// validation and the protected channel column. One-shot at binding
	// creation.
	EnsureStructure(ctx context.Context, spreadsheetID string, schema Schema) error
}

// Schema describes the worksheets EnsureStructure provisions.
type Schema struct {
	PlanSheet     string
	HistorySheet  string
	PlanHeader    []string
	HistoryHeader []string
	// 0-based column indexes within the plan sheet
	StatusColumn    int64
	ProtectedColumn int64
	StatusValues    []string
}

// DefaultSchema returns the content-plan schema with localized status
// values for the sheet-side data validation.
func DefaultSchema(planSheet string) Schema {
	if planSheet == "" {
		planSheet = DefaultPlanSheet
	}
	return Schema{
		PlanSheet:       planSheet,
		HistorySheet:    HistorySheet,
		PlanHeader:      []string{"ID", "Channel", "Date", "Time", "Title", "Text", "Media", "Status", "Comment"},
		HistoryHeader:   []string{"ID", "Channel", "Sent at", "Text", "Outcome", "Comment"},
		StatusColumn:    colStatus,
		ProtectedColumn: colChannel,
		StatusValues:    allDisplayStatuses(),
	}
}
