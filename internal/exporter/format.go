package exporter

import (
	"time"

	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

// formatTime formats t in UTC, or "" for the zero time
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// formatPrice formats a list price with exactly 2 decimal places
func formatPrice(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// remainingDays rounds the remaining time up to whole days
func remainingDays(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	day := 24 * time.Hour
	return int((remaining + day - 1) / day)
}
