// Package export writes the failed-items report for manual review.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Failed operations"

var headers = []string{"ID", "Action", "Queued at", "Retries", "Last error", "Payload"}

// FailedOperations writes ops to dir/failed_<stamp>.xlsx and returns the path.
func FailedOperations(dir string, ops []models.QueuedOperation, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	if err := writeHeader(f); err != nil {
		return "", err
	}

	for i, op := range ops {
		row := i + 2
		lastError := ""
		if op.LastError != nil {
			lastError = *op.LastError
		}
		payload, err := json.Marshal(op.Payload)
		if err != nil {
			return "", fmt.Errorf("encode payload of %s: %w", op.ID, err)
		}

		values := []any{
			op.ID,
			op.Action,
			op.CreatedAt().UTC().Format(time.RFC3339),
			op.Retries,
			lastError,
			string(payload),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return "", fmt.Errorf("write row %d: %w", row, err)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "C", 22)
	_ = f.SetColWidth(sheetName, "E", "F", 50)
	if len(ops) > 0 {
		_ = f.AutoFilter(sheetName, fmt.Sprintf("A1:F%d", len(ops)+1), nil)
	}

	filePath := filepath.Join(dir, fmt.Sprintf("failed_%s.xlsx", now.UTC().Format("20060102_150405")))
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return filePath, nil
}

func writeHeader(f *excelize.File) error {
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &row); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	style, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	return f.SetCellStyle(sheetName, "A1", last, style)
}
