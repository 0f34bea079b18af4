package exporter

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"licensed/internal/infrastructure"
	"licensed/internal/license"
)

const (
	SheetLicenses = "Licenses"
	SheetSummary  = "Summary"
)

var licenseHeaders = []interface{}{
	"Key", "Duration", "Status", "Identity", "Issued For", "Created By",
	"Created At", "Activated At", "Expires At", "Remaining Days", "Price",
}

// XLSXExporter renders licenses into an xlsx workbook
type XLSXExporter struct {
	logger *slog.Logger
}

// NewXLSXExporter creates a new exporter
func NewXLSXExporter(logger *slog.Logger) *XLSXExporter {
	return &XLSXExporter{logger: infrastructure.WithComponent(logger, "exporter")}
}

// Write streams the workbook for licenses to w.
func (e *XLSXExporter) Write(w io.Writer, licenses []license.License, now time.Time) error {
	f, err := e.build(licenses, now)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("license export written", slog.Int("record_count", len(licenses)))
	return nil
}

// WriteFile saves the workbook to path, creating parent directories.
func (e *XLSXExporter) WriteFile(path string, licenses []license.License, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := e.build(licenses, now)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}

	e.logger.Info("license export saved",
		slog.String("file_path", path),
		slog.Int("record_count", len(licenses)))
	return nil
}

func (e *XLSXExporter) build(licenses []license.License, now time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", SheetLicenses); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeLicenses(f, licenses, now, bold); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, licenses, now, bold); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeLicenses(f *excelize.File, licenses []license.License, now time.Time, headerStyle int) error {
	if err := f.SetSheetRow(SheetLicenses, "A1", &licenseHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(licenseHeaders))
	if err := f.SetCellStyle(SheetLicenses, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("failed to style headers: %w", err)
	}

	for i, l := range licenses {
		l.Sweep(now)
		row := []interface{}{
			l.Key,
			l.Duration.DisplayName(),
			string(l.Status),
			l.Identity,
			l.IssuedFor,
			l.CreatedBy,
			formatTime(l.CreatedAt),
			formatTime(l.ActivatedAt),
			formatTime(l.ExpiresAt),
			remainingDays(l.Remaining(now)),
			formatPrice(l.Duration.Price()),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetLicenses, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(SheetLicenses, "A", "A", 22); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetLicenses, "D", "I", 20); err != nil {
		return err
	}
	return f.SetPanes(SheetLicenses, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeSummary(f *excelize.File, licenses []license.License, now time.Time, headerStyle int) error {
	counts := map[license.Status]int{}
	issued := decimal.Zero
	for _, l := range licenses {
		l.Sweep(now)
		counts[l.Status]++
		issued = issued.Add(l.Duration.Price())
	}

	rows := [][]interface{}{
		{"Metric", "Value"},
		{"Exported At", formatTime(now)},
		{"Total", len(licenses)},
		{"Unused", counts[license.StatusUnused]},
		{"Active", counts[license.StatusActive]},
		{"Expired", counts[license.StatusExpired]},
		{"Issued Value", formatPrice(issued)},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return f.SetCellStyle(SheetSummary, "A1", "B1", headerStyle)
}
