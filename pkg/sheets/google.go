package sheets

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// GoogleGateway implements Gateway over the Google Sheets v4 API with
// service-account credentials.
type GoogleGateway struct {
	svc *gsheets.Service
}

// NewGoogleGateway builds a gateway from a service-account credentials
// file. The account must have editor access to the bound spreadsheets.
func NewGoogleGateway(ctx context.Context, credentialsFile string) (*GoogleGateway, error) {
	svc, err := gsheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(gsheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &GoogleGateway{svc: svc}, nil
}

func (g *GoogleGateway) ReadRange(ctx context.Context, spreadsheetID, readRange string) ([][]string, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", readRange, err)
	}
	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, 0, len(raw))
		for _, cell := range raw {
			row = append(row, fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (g *GoogleGateway) AppendRow(ctx context.Context, spreadsheetID, worksheet string, row []string) error {
	values := make([]interface{}, len(row))
	for i, cell := range row {
		values[i] = cell
	}
	_, err := g.svc.Spreadsheets.Values.
		Append(spreadsheetID, worksheet+"!A:Z", &gsheets.ValueRange{Values: [][]interface{}{values}}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to %s: %w", worksheet, err)
	}
	return nil
}

func (g *GoogleGateway) UpdateCell(ctx context.Context, spreadsheetID, worksheet, column string, row int, value string) error {
	cell := fmt.Sprintf("%s!%s%d", worksheet, column, row)
	_, err := g.svc.Spreadsheets.Values.
		Update(spreadsheetID, cell, &gsheets.ValueRange{Values: [][]interface{}{{value}}}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update %s: %w", cell, err)
	}
	return nil
}

// EnsureStructure creates missing worksheets, writes header rows, sets
// the status-column dropdown and protects the channel column. Safe to
// call on an already provisioned spreadsheet.
func (g *GoogleGateway) EnsureStructure(ctx context.Context, spreadsheetID string, schema Schema) error {
	doc, err := g.svc.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("inspect spreadsheet: %w", err)
	}
	sheetIDs := make(map[string]int64, len(doc.Sheets))
	for _, sh := range doc.Sheets {
		if sh.Properties != nil {
			sheetIDs[sh.Properties.Title] = sh.Properties.SheetId
		}
	}

	var adds []*gsheets.Request
	for _, title := range []string{schema.PlanSheet, schema.HistorySheet} {
		if _, ok := sheetIDs[title]; !ok {
			adds = append(adds, &gsheets.Request{
				AddSheet: &gsheets.AddSheetRequest{
					Properties: &gsheets.SheetProperties{Title: title},
				},
			})
		}
	}
	if len(adds) > 0 {
		resp, err := g.svc.Spreadsheets.
			BatchUpdate(spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{Requests: adds}).
			Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("add worksheets: %w", err)
		}
		for _, reply := range resp.Replies {
			if reply.AddSheet != nil && reply.AddSheet.Properties != nil {
				sheetIDs[reply.AddSheet.Properties.Title] = reply.AddSheet.Properties.SheetId
			}
		}
	}

	if err := g.writeHeader(ctx, spreadsheetID, schema.PlanSheet, schema.PlanHeader); err != nil {
		return err
	}
	if err := g.writeHeader(ctx, spreadsheetID, schema.HistorySheet, schema.HistoryHeader); err != nil {
		return err
	}

	planID, ok := sheetIDs[schema.PlanSheet]
	if !ok {
		return fmt.Errorf("plan worksheet %q not found after provisioning", schema.PlanSheet)
	}

	statusValues := make([]*gsheets.ConditionValue, 0, len(schema.StatusValues))
	for _, v := range schema.StatusValues {
		statusValues = append(statusValues, &gsheets.ConditionValue{UserEnteredValue: v})
	}
	reqs := []*gsheets.Request{
		{
			SetDataValidation: &gsheets.SetDataValidationRequest{
				Range: &gsheets.GridRange{
					SheetId:          planID,
					StartRowIndex:    1,
					StartColumnIndex: schema.StatusColumn,
					EndColumnIndex:   schema.StatusColumn + 1,
				},
				Rule: &gsheets.DataValidationRule{
					Condition: &gsheets.BooleanCondition{
						Type:   "ONE_OF_LIST",
						Values: statusValues,
					},
					ShowCustomUi: true,
					Strict:       true,
				},
			},
		},
		{
			AddProtectedRange: &gsheets.AddProtectedRangeRequest{
				ProtectedRange: &gsheets.ProtectedRange{
					Range: &gsheets.GridRange{
						SheetId:          planID,
						StartColumnIndex: schema.ProtectedColumn,
						EndColumnIndex:   schema.ProtectedColumn + 1,
					},
					Description: "Managed by the orchestrator",
					WarningOnly: true,
				},
			},
		},
	}
	_, err = g.svc.Spreadsheets.
		BatchUpdate(spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{Requests: reqs}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("configure plan worksheet: %w", err)
	}
	return nil
}

func (g *GoogleGateway) writeHeader(ctx context.Context, spreadsheetID, worksheet string, header []string) error {
	values := make([]interface{}, len(header))
	for i, cell := range header {
		values[i] = cell
	}
	_, err := g.svc.Spreadsheets.Values.
		Update(spreadsheetID, worksheet+"!A1", &gsheets.ValueRange{Values: [][]interface{}{values}}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write header for %s: %w", worksheet, err)
	}
	return nil
}
