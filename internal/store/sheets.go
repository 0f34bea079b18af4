package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"licensed/internal/license"
)

var sheetHeader = []interface{}{
	"key", "duration", "durationMs", "createdAt", "createdBy",
	"issuedFor", "discordId", "activatedAt", "expiresAt", "status",
}

// SheetsSnapshotter mirrors the collection into a Google Sheets range, one
// row per license below a header row.
type SheetsSnapshotter struct {
	svc       *sheets.Service
	sheetID   string
	sheetName string
}

// NewSheetsSnapshotter authenticates with a service account credentials file.
// Extra client options are appended, which lets tests point the client at a
// local endpoint.
func NewSheetsSnapshotter(ctx context.Context, sheetID, sheetName, credentialsFile string, opts ...option.ClientOption) (*SheetsSnapshotter, error) {
	if sheetID == "" {
		return nil, fmt.Errorf("sheets backend: sheet id is required")
	}

	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		credentialsJSON, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(credentialsJSON))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &SheetsSnapshotter{svc: svc, sheetID: sheetID, sheetName: sheetName}, nil
}

func (s *SheetsSnapshotter) Load(ctx context.Context) ([]license.License, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.sheetID, s.sheetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read from sheets: %w", err)
	}

	var out []license.License
	for i, row := range resp.Values {
		if i == 0 {
			continue // header
		}
		if len(row) == 0 || cell(row, 0) == "" {
			continue
		}
		l, err := rowToLicense(row)
		if err != nil {
			return nil, fmt.Errorf("sheet row %d: %w", i+1, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// Save overwrites the range with the header and all rows, then clears rows
// left over from a longer previous snapshot.
func (s *SheetsSnapshotter) Save(ctx context.Context, licenses []license.License) error {
	values := make([][]interface{}, 0, len(licenses)+1)
	values = append(values, sheetHeader)
	for _, l := range licenses {
		values = append(values, licenseToRow(l))
	}

	rangeStr := fmt.Sprintf("%s!A1:J%d", s.sheetName, len(values))
	_, err := s.svc.Spreadsheets.Values.Update(s.sheetID, rangeStr, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write to sheets: %w", err)
	}

	tail := fmt.Sprintf("%s!A%d:J", s.sheetName, len(values)+1)
	if _, err := s.svc.Spreadsheets.Values.Clear(s.sheetID, tail, &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to clear stale rows: %w", err)
	}
	return nil
}

func (s *SheetsSnapshotter) Ping(ctx context.Context) error {
	_, err := s.svc.Spreadsheets.Get(s.sheetID).Context(ctx).Do()
	return err
}

func (s *SheetsSnapshotter) Close() error { return nil }

func licenseToRow(l license.License) []interface{} {
	return []interface{}{
		l.Key,
		string(l.Duration),
		strconv.FormatInt(l.Length.Milliseconds(), 10),
		formatMillis(l.CreatedAt),
		l.CreatedBy,
		l.IssuedFor,
		l.Identity,
		formatMillis(l.ActivatedAt),
		formatMillis(l.ExpiresAt),
		string(l.Status),
	}
}

func rowToLicense(row []interface{}) (license.License, error) {
	durationMs, err := parseInt(cell(row, 2))
	if err != nil {
		return license.License{}, fmt.Errorf("durationMs: %w", err)
	}
	createdAt, err := parseMillis(cell(row, 3))
	if err != nil {
		return license.License{}, fmt.Errorf("createdAt: %w", err)
	}
	activatedAt, err := parseMillis(cell(row, 7))
	if err != nil {
		return license.License{}, fmt.Errorf("activatedAt: %w", err)
	}
	expiresAt, err := parseMillis(cell(row, 8))
	if err != nil {
		return license.License{}, fmt.Errorf("expiresAt: %w", err)
	}

	l := license.License{
		Key:         cell(row, 0),
		Duration:    license.Duration(cell(row, 1)),
		Length:      time.Duration(durationMs) * time.Millisecond,
		CreatedAt:   createdAt,
		CreatedBy:   cell(row, 4),
		IssuedFor:   cell(row, 5),
		Identity:    cell(row, 6),
		ActivatedAt: activatedAt,
		ExpiresAt:   expiresAt,
		Status:      license.Status(cell(row, 9)),
	}
	if !l.Status.Valid() {
		return license.License{}, fmt.Errorf("unknown status %q", l.Status)
	}
	return l, nil
}

func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := parseInt(s)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
