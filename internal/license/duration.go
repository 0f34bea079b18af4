package license

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	licenseErrors "licensed/internal/errors"
)

// Duration is the purchased entitlement length of a license.
type Duration string

const (
	Day   Duration = "1tag"
	Week  Duration = "1woche"
	Month Duration = "1monat"
)

type durationInfo struct {
	length  time.Duration
	display string
	price   decimal.Decimal
}

var durationTable = map[Duration]durationInfo{
	Day:   {length: 24 * time.Hour, display: "1 Tag", price: decimal.NewFromInt(4)},
	Week:  {length: 7 * 24 * time.Hour, display: "1 Woche", price: decimal.NewFromInt(12)},
	Month: {length: 30 * 24 * time.Hour, display: "1 Monat", price: decimal.NewFromInt(25)},
}

// Durations lists the known durations from shortest to longest.
func Durations() []Duration {
	return []Duration{Day, Week, Month}
}

// ParseDuration resolves a label such as "1Woche" to its Duration.
func ParseDuration(label string) (Duration, error) {
	d := Duration(strings.ToLower(strings.TrimSpace(label)))
	if _, ok := durationTable[d]; !ok {
		return "", fmt.Errorf("%w: unknown duration %q", licenseErrors.ErrMalformedRequest, label)
	}
	return d, nil
}

// Valid reports whether d is a known duration.
func (d Duration) Valid() bool {
	_, ok := durationTable[d]
	return ok
}

// Length returns the entitlement length, or zero for an unknown label.
func (d Duration) Length() time.Duration {
	return durationTable[d].length
}

// Millis returns Length in milliseconds.
func (d Duration) Millis() int64 {
	return d.Length().Milliseconds()
}

// DisplayName is the human readable label shown to buyers.
func (d Duration) DisplayName() string {
	if info, ok := durationTable[d]; ok {
		return info.display
	}
	return string(d)
}

// Price is the list price in EUR.
func (d Duration) Price() decimal.Decimal {
	if info, ok := durationTable[d]; ok {
		return info.price
	}
	return decimal.Zero
}
