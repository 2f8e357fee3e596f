// Package sheetsync reconciles bound spreadsheets with the post store.
// Rows marked for intake become posts; posts that move on their own
// (delivered, failed, rejected) get their status written back to the
// plan. The spreadsheet is treated as a mutable external source of
// truth: every tick re-reads it in full.
package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/sheets"
	"postflow/pkg/store"
)

// Ingestion picks up rows whose publish instant is at most this far in
// the future. Rows further out stay editable in the sheet.
const defaultIntakeWindow = 30 * time.Minute

const defaultMaxRowsPerTick = 200

// systemActor performs PSM transitions on behalf of the synchronizer.
var systemActor = domain.User{ID: "system", Role: domain.RoleAdmin, Active: true}

type Synchronizer struct {
	store    store.Store
	gateway  sheets.Gateway
	machine  *psm.Machine
	notifier events.Notifier
	log      *slog.Logger
	now      func() time.Time

	defaultLoc     *time.Location
	intakeWindow   time.Duration
	scanTick       time.Duration
	maxRowsPerTick int
}

type Option func(*Synchronizer)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithIntakeWindow overrides how far ahead rows are ingested.
func WithIntakeWindow(d time.Duration) Option {
	return func(s *Synchronizer) { s.intakeWindow = d }
}

// WithScanTick sets how often the supervisor checks for due bindings.
func WithScanTick(d time.Duration) Option {
	return func(s *Synchronizer) { s.scanTick = d }
}

func New(st store.Store, gateway sheets.Gateway, machine *psm.Machine, notifier events.Notifier, log *slog.Logger, defaultLoc *time.Location, opts ...Option) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Log: log}
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	s := &Synchronizer{
		store:          st,
		gateway:        gateway,
		machine:        machine,
		notifier:       notifier,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		defaultLoc:     defaultLoc,
		intakeWindow:   defaultIntakeWindow,
		scanTick:       time.Minute,
		maxRowsPerTick: defaultMaxRowsPerTick,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run supervises all active bindings: a binding is synced once its
// declared interval has elapsed since its last sync. Bindings created
// while running are picked up on the next scan.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.scanTick)
	defer ticker.Stop()
	s.log.Info("sheet synchronizer started", "scanTick", s.scanTick.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sheet synchronizer stopped")
			return ctx.Err()
		case <-ticker.C:
			s.scan(context.WithoutCancel(ctx))
		}
	}
}

func (s *Synchronizer) scan(ctx context.Context) {
	bindings, err := s.store.ListActiveBindings(ctx)
	if err != nil {
		s.log.Error("list bindings", "err", err)
		return
	}
	now := s.now()
	for _, b := range bindings {
		if b.LastSyncAt != nil && now.Sub(*b.LastSyncAt) < time.Duration(b.SyncInterval)*time.Minute {
			continue
		}
		if err := s.SyncBinding(ctx, b); err != nil {
			s.log.Error("sync binding", "bindingId", b.ID, "spreadsheetId", b.SpreadsheetID, "err", err)
			s.notifyError(ctx, b, err)
		}
	}
}

// Bootstrap provisions the worksheets, headers and validation for a
// fresh binding. One-shot at binding creation.
func (s *Synchronizer) Bootstrap(ctx context.Context, b domain.SheetBinding) error {
	return s.gateway.EnsureStructure(ctx, b.SpreadsheetID, sheets.DefaultSchema(b.Worksheet))
}

// SyncBinding performs one sync tick for a binding. A gateway read
// error aborts the whole tick; per-row failures are annotated on the
// row and do not stop the rest.
func (s *Synchronizer) SyncBinding(ctx context.Context, b domain.SheetBinding) error {
	channel, err := s.store.GetChannel(ctx, b.ChannelID)
	if err != nil {
		return fmt.Errorf("load channel %s: %w", b.ChannelID, err)
	}
	loc := s.locationFor(channel)

	worksheet := b.Worksheet
	if worksheet == "" {
		worksheet = sheets.DefaultPlanSheet
	}
	rows, err := s.gateway.ReadRange(ctx, b.SpreadsheetID, sheets.PlanRange(worksheet))
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}

	processed := 0
	for i, cells := range rows {
		if processed >= s.maxRowsPerTick {
			break
		}
		rowIndex := i + 2 // data starts below the header
		if blankRow(cells) {
			continue
		}
		processed++

		row, err := sheets.ParsePlanRow(cells, rowIndex, loc)
		if err != nil {
			s.annotate(ctx, b, worksheet, rowIndex, sheets.RowError, err.Error())
			continue
		}
		s.syncRow(ctx, b, channel, worksheet, row)
	}

	if err := s.store.TouchBinding(ctx, b.ID, s.now()); err != nil {
		s.log.Error("touch binding", "bindingId", b.ID, "err", err)
	}
	return nil
}

func (s *Synchronizer) syncRow(ctx context.Context, b domain.SheetBinding, channel domain.Channel, worksheet string, row sheets.PlanRow) {
	if row.ChannelID != b.ChannelID {
		s.annotate(ctx, b, worksheet, row.Index, sheets.RowError, "row targets a different channel")
		return
	}

	post, found, err := s.store.FindSheetPost(ctx, b.ID, row.RowID)
	if err != nil {
		s.log.Error("lookup sheet post", "bindingId", b.ID, "rowId", row.RowID, "err", err)
		return
	}
	if !found {
		s.ingestRow(ctx, b, channel, worksheet, row)
		return
	}
	s.reconcileRow(ctx, b, worksheet, row, post)
}

// ingestRow creates a post for an intake row whose publish instant has
// entered the intake window.
func (s *Synchronizer) ingestRow(ctx context.Context, b domain.SheetBinding, channel domain.Channel, worksheet string, row sheets.PlanRow) {
	if row.Status != sheets.RowIntake {
		return
	}
	if !channel.Active {
		s.annotate(ctx, b, worksheet, row.Index, sheets.RowIntake, "channel inactive, row skipped")
		return
	}
	now := s.now()
	if row.PublishAt.After(now.Add(s.intakeWindow)) {
		return // not yet in the window; the sheet stays authoritative
	}
	if row.PublishAt.Before(now) {
		// Scheduled between ticks and now in the past. Tell the
		// operator instead of leaving the row waiting forever.
		s.annotate(ctx, b, worksheet, row.Index, sheets.RowError, "publish time already passed, reschedule the row")
		return
	}

	at := row.PublishAt
	post, err := s.machine.CreatePost(ctx, systemActor, psm.CreateSpec{
		ChannelID:         b.ChannelID,
		Body:              row.ComposedBody(),
		MediaRef:          row.MediaRef,
		PublishAt:         &at,
		RequireModeration: b.RequireModeration,
		Origin:            domain.OriginSheet,
		SheetRowRef:       &domain.SheetRowRef{BindingID: b.ID, RowID: row.RowID},
	})
	switch {
	case err == nil:
		s.log.Info("row ingested", "bindingId", b.ID, "rowId", row.RowID, "postId", post.ID)
		s.annotate(ctx, b, worksheet, row.Index, sheets.RowScheduled, "post "+post.ID)
	case errors.Is(err, store.ErrConflict):
		// Already ingested by a concurrent tick; not an error.
		s.annotate(ctx, b, worksheet, row.Index, sheets.RowScheduled, "")
	default:
		s.log.Error("ingest row", "bindingId", b.ID, "rowId", row.RowID, "err", err)
		s.annotate(ctx, b, worksheet, row.Index, sheets.RowError, err.Error())
	}
}

// reconcileRow aligns an already ingested row with its post: sheet
// edits flow into the post while it is still approved, terminal sheet
// statuses discard it, and post outcomes flow back into the sheet.
func (s *Synchronizer) reconcileRow(ctx context.Context, b domain.SheetBinding, worksheet string, row sheets.PlanRow, post domain.Post) {
	if row.Status == sheets.RowCancelled && !post.Status.Terminal() {
		if _, err := s.machine.Discard(ctx, systemActor, post.ID, "cancelled in spreadsheet"); err != nil {
			s.log.Error("discard cancelled row", "postId", post.ID, "err", err)
		}
		return
	}

	if post.Status == domain.StatusApproved {
		if body := row.ComposedBody(); body != post.Body {
			if _, err := s.machine.Edit(ctx, systemActor, post.ID, psm.EditPatch{Body: &body}); err != nil {
				s.log.Error("apply sheet edit", "postId", post.ID, "err", err)
			}
		}
		if post.PublishAt != nil && !row.PublishAt.Equal(*post.PublishAt) {
			if _, err := s.machine.Reschedule(ctx, systemActor, post.ID, row.PublishAt); err != nil {
				// Too close to dispatch or already picked up; the sheet
				// value wins next time if still applicable.
				s.log.Warn("apply sheet reschedule", "postId", post.ID, "err", err)
			}
		}
	}

	if want, ok := displayStatusFor(post.Status); ok && row.Status != want {
		comment := ""
		if post.Status == domain.StatusError {
			comment = post.ErrorReason
		}
		s.annotate(ctx, b, worksheet, row.Index, want, comment)
	}
}

// RecordDelivery appends a history row for a delivered or failed sheet
// post. Implements the dispatcher's HistoryRecorder.
func (s *Synchronizer) RecordDelivery(ctx context.Context, post domain.Post, outcome string, at time.Time, note string) error {
	if post.SheetRowRef == nil {
		return nil
	}
	b, err := s.store.GetBinding(ctx, post.SheetRowRef.BindingID)
	if err != nil {
		return fmt.Errorf("load binding %s: %w", post.SheetRowRef.BindingID, err)
	}
	loc := s.defaultLoc
	if channel, err := s.store.GetChannel(ctx, post.ChannelID); err == nil {
		loc = s.locationFor(channel)
	}
	status := sheets.RowPublished
	if outcome != "published" {
		status = sheets.RowError
	}
	row := sheets.HistoryRow(post.SheetRowRef.RowID, post.ChannelID, at, post.Body, status.Display(), note, loc)
	return s.gateway.AppendRow(ctx, b.SpreadsheetID, sheets.HistorySheet, row)
}

// annotate writes the status and comment cells of a plan row.
// Best-effort: a failed write is logged and retried implicitly on the
// next tick.
func (s *Synchronizer) annotate(ctx context.Context, b domain.SheetBinding, worksheet string, rowIndex int, status sheets.RowStatus, comment string) {
	if err := s.gateway.UpdateCell(ctx, b.SpreadsheetID, worksheet, sheets.StatusColumnLetter, rowIndex, status.Display()); err != nil {
		s.log.Warn("write row status", "bindingId", b.ID, "row", rowIndex, "err", err)
		return
	}
	if comment != "" {
		if err := s.gateway.UpdateCell(ctx, b.SpreadsheetID, worksheet, sheets.CommentColumnLetter, rowIndex, comment); err != nil {
			s.log.Warn("write row comment", "bindingId", b.ID, "row", rowIndex, "err", err)
		}
	}
}

func (s *Synchronizer) locationFor(channel domain.Channel) *time.Location {
	if tz := strings.TrimSpace(channel.Settings.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
		s.log.Warn("bad channel timezone", "channelId", channel.ID, "timezone", tz)
	}
	return s.defaultLoc
}

func (s *Synchronizer) notifyError(ctx context.Context, b domain.SheetBinding, cause error) {
	ev := events.Event{
		Type:      events.TypeSyncError,
		UserID:    b.CreatedBy,
		ChannelID: b.ChannelID,
		Reason:    cause.Error(),
		At:        s.now(),
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn("notify sync error", "bindingId", b.ID, "err", err)
	}
}

func displayStatusFor(status domain.PostStatus) (sheets.RowStatus, bool) {
	switch status {
	case domain.StatusApproved, domain.StatusPending:
		return sheets.RowScheduled, true
	case domain.StatusSent:
		return sheets.RowPublished, true
	case domain.StatusRejected:
		return sheets.RowCancelled, true
	case domain.StatusError:
		return sheets.RowError, true
	default:
		return "", false
	}
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
