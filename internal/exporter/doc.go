// Package exporter writes the license table as an Excel workbook.
//
// The workbook has two sheets: "Licenses" with one row per license, and
// "Summary" with counts per status and the list-price totals. Remaining
// time and status are evaluated at the export time passed by the caller,
// so an export never shows an active license that has already run out.
//
// Example usage:
//
//	licenses, _ := svc.List(ctx, 0)
//	err := exporter.NewXLSXExporter(logger).Write(w, licenses, time.Now())
package exporter
