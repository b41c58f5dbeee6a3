// Package report renders sync session outcomes as xlsx workbooks.
package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cratesync/cratesync/pkg/models"
)

const (
	summarySheet = "Summary"
	recordsSheet = "Records"
)

// Write renders the session and its ledger into an xlsx workbook at
// path, one Summary sheet plus one Records sheet.
func Write(path string, device *models.Device, sess *models.SyncSession, summary *models.SessionSummary, records []models.SyncRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName(f.GetSheetName(0), summarySheet)
	if err := writeSummary(f, device, sess, summary); err != nil {
		return err
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return err
	}
	if err := writeRecords(f, records); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}
	return nil
}

func writeSummary(f *excelize.File, device *models.Device, sess *models.SyncSession, summary *models.SessionSummary) error {
	completed := ""
	if sess.CompletedAt != nil {
		completed = sess.CompletedAt.UTC().Format(time.RFC3339)
	}
	rows := [][]any{
		{"Device", device.Name},
		{"Owner", device.Owner},
		{"Session", sess.ID},
		{"Status", string(sess.Status)},
		{"Dry run", sess.DryRun},
		{"Started", sess.StartedAt.UTC().Format(time.RFC3339)},
		{"Completed", completed},
		{},
		{"Created", summary.CreatedCount},
		{"Updated", summary.UpdatedCount},
		{"Skipped", summary.SkippedCount},
		{"Downloaded", summary.DownloadedCount},
		{"Removed", summary.RemovedCount},
		{"Errors", summary.ErrorCount},
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func writeRecords(f *excelize.File, records []models.SyncRecord) error {
	header := []any{"Path", "Action", "Source", "Song ID", "Processed At", "Reason", "Error"}
	if err := f.SetSheetRow(recordsSheet, "A1", &header); err != nil {
		return err
	}

	for i, r := range records {
		songID := ""
		if r.SongID != nil {
			songID = fmt.Sprintf("%d", *r.SongID)
		}
		reason := ""
		if r.Reason != nil {
			reason = *r.Reason
		}
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = *r.ErrorMessage
		}
		row := []any{
			r.FilePath,
			string(r.Action),
			string(r.Source),
			songID,
			r.ProcessedAt.UTC().Format(time.RFC3339),
			reason,
			errMsg,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(recordsSheet, cell, &row); err != nil {
			return err
		}
	}

	return f.SetColWidth(recordsSheet, "A", "A", 48)
}
