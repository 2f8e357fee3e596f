package sheets

import (
	"fmt"
	"strings"
	"time"
)

// Default worksheet names inside a bound spreadsheet.
const (
	DefaultPlanSheet = "Content plan"
	HistorySheet     = "History"
)

// Plan sheet columns, 0-based.
const (
	colRowID = iota
	colChannel
	colDate
	colTime
	colTitle
	colText
	colMedia
	colStatus
	colComment

	planColumns = colComment + 1
)

// Column letters used for single-cell writes.
const (
	StatusColumnLetter  = "H"
	CommentColumnLetter = "I"
)

// PlanRange is the A1 range covering all plan rows below the header.
func PlanRange(worksheet string) string {
	return fmt.Sprintf("%s!A2:I", worksheet)
}

// RowStatus is the lifecycle status of a plan row as the spreadsheet
// models it. The spreadsheet stores localized display strings; the
// enum is what the rest of the system sees.
type RowStatus string

const (
	RowIntake    RowStatus = "intake"    // row is ready to be pulled in
	RowScheduled RowStatus = "scheduled" // post created, awaiting dispatch
	RowPublished RowStatus = "published" // delivered to the channel
	RowCancelled RowStatus = "cancelled" // rejected or withdrawn
	RowError     RowStatus = "error"     // delivery or parse failure
)

var statusDisplay = map[RowStatus]string{
	RowIntake:    "Ожидает",
	RowScheduled: "Запланировано",
	RowPublished: "Опубликовано",
	RowCancelled: "Отменено",
	RowError:     "Ошибка",
}

var displayStatus = func() map[string]RowStatus {
	m := make(map[string]RowStatus, len(statusDisplay))
	for st, disp := range statusDisplay {
		m[strings.ToLower(disp)] = st
		m[string(st)] = st
	}
	return m
}()

// Display returns the localized string written into the status cell.
func (s RowStatus) Display() string {
	if disp, ok := statusDisplay[s]; ok {
		return disp
	}
	return string(s)
}

// ParseRowStatus maps a status cell value to the enum. Both the
// localized display string and the raw enum value are accepted; an
// empty cell means intake.
func ParseRowStatus(cell string) (RowStatus, bool) {
	cell = strings.ToLower(strings.TrimSpace(cell))
	if cell == "" {
		return RowIntake, true
	}
	st, ok := displayStatus[cell]
	return st, ok
}

func allDisplayStatuses() []string {
	out := make([]string, 0, len(statusDisplay))
	for _, st := range []RowStatus{RowIntake, RowScheduled, RowPublished, RowCancelled, RowError} {
		out = append(out, statusDisplay[st])
	}
	return out
}

// PlanRow is one parsed content-plan row.
type PlanRow struct {
	Index     int // 1-based spreadsheet row number
	RowID     string
	ChannelID string
	PublishAt time.Time // UTC
	Title     string
	Body      string
	MediaRef  string
	Status    RowStatus
	Comment   string
}

// ComposedBody returns the post text: title and body joined with a
// blank line, either part optional.
func (r PlanRow) ComposedBody() string {
	title := strings.TrimSpace(r.Title)
	body := strings.TrimSpace(r.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}

const (
	dateLayout = "02.01.2006"
	timeLayout = "15:04"
)

// ParsePlanRow decodes one spreadsheet row. rowIndex is the 1-based row
// number in the worksheet. Date and time cells are interpreted in loc
// and the result carries UTC.
func ParsePlanRow(cells []string, rowIndex int, loc *time.Location) (PlanRow, error) {
	padded := make([]string, planColumns)
	copy(padded, cells)
	for i := range padded {
		padded[i] = strings.TrimSpace(padded[i])
	}

	row := PlanRow{
		Index:     rowIndex,
		RowID:     padded[colRowID],
		ChannelID: padded[colChannel],
		Title:     padded[colTitle],
		Body:      padded[colText],
		MediaRef:  padded[colMedia],
		Comment:   padded[colComment],
	}
	if row.RowID == "" {
		return row, fmt.Errorf("row %d: missing row id", rowIndex)
	}
	if row.ChannelID == "" {
		return row, fmt.Errorf("row %d: missing channel", rowIndex)
	}
	if row.ComposedBody() == "" && row.MediaRef == "" {
		return row, fmt.Errorf("row %d: empty content", rowIndex)
	}

	status, ok := ParseRowStatus(padded[colStatus])
	if !ok {
		return row, fmt.Errorf("row %d: unknown status %q", rowIndex, padded[colStatus])
	}
	row.Status = status

	if padded[colDate] == "" || padded[colTime] == "" {
		return row, fmt.Errorf("row %d: missing date or time", rowIndex)
	}
	stamp, err := time.ParseInLocation(dateLayout+" "+timeLayout, padded[colDate]+" "+padded[colTime], loc)
	if err != nil {
		return row, fmt.Errorf("row %d: bad date/time: %w", rowIndex, err)
	}
	row.PublishAt = stamp.UTC()
	return row, nil
}

const historyBodyLimit = 100

// TruncateBody shortens post text for the history sheet.
func TruncateBody(body string) string {
	runes := []rune(strings.TrimSpace(body))
	if len(runes) <= historyBodyLimit {
		return string(runes)
	}
	return string(runes[:historyBodyLimit]) + "…"
}

// HistoryRow builds the row appended to the history sheet after a
// delivery attempt resolves. sentAt is rendered in loc.
func HistoryRow(rowID, channelID string, sentAt time.Time, body, outcome, comment string, loc *time.Location) []string {
	return []string{
		rowID,
		channelID,
		sentAt.In(loc).Format(dateLayout + " " + timeLayout),
		TruncateBody(body),
		outcome,
		comment,
	}
}
