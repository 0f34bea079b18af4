package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"licensed/internal/license"
)

// fakeSheets is a minimal stand-in for the Sheets values API that keeps one
// range in memory.
type fakeSheets struct {
	mu      sync.Mutex
	values  [][]interface{}
	cleared int
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, ":clear"):
		f.cleared++
		json.NewEncoder(w).Encode(map[string]string{"spreadsheetId": "sheet"})
	case strings.Contains(r.URL.Path, "/values/") && r.Method == http.MethodPut:
		var body struct {
			Values [][]interface{} `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.values = body.Values
		json.NewEncoder(w).Encode(map[string]interface{}{"updatedRows": len(body.Values)})
	case strings.Contains(r.URL.Path, "/values/"):
		json.NewEncoder(w).Encode(map[string]interface{}{"range": "Licenses", "values": f.values})
	default:
		json.NewEncoder(w).Encode(map[string]string{"spreadsheetId": "sheet"})
	}
}

func newTestSheets(t *testing.T) (*SheetsSnapshotter, *fakeSheets) {
	t.Helper()
	fake := &fakeSheets{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	snap, err := NewSheetsSnapshotter(context.Background(), "sheet", "Licenses", "",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return snap, fake
}

func TestSheetsSnapshotter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	snap, fake := newTestSheets(t)

	a := newLicense("AAAA-AAAA-AAAA-AAAA", license.Day, t0)
	b := newLicense("BBBB-BBBB-BBBB-BBBB", license.Month, t0.Add(time.Minute)).Activate("user-1", t0.Add(time.Hour))
	require.NoError(t, snap.Save(ctx, []license.License{a, b}))

	assert.Len(t, fake.values, 3)
	assert.Equal(t, "key", fake.values[0][0])
	assert.Equal(t, 1, fake.cleared)

	loaded, err := snap.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, a.Key, loaded[0].Key)
	assert.Equal(t, license.StatusUnused, loaded[0].Status)
	assert.True(t, loaded[0].ActivatedAt.IsZero())
	assert.Equal(t, "user-1", loaded[1].Identity)
	assert.Equal(t, b.ExpiresAt.UnixMilli(), loaded[1].ExpiresAt.UnixMilli())
	assert.Equal(t, license.Month.Length(), loaded[1].Length)

	require.NoError(t, snap.Ping(ctx))
}

func TestSheetsSnapshotter_BadRow(t *testing.T) {
	snap, fake := newTestSheets(t)
	fake.values = [][]interface{}{
		sheetHeader,
		{"AAAA-AAAA-AAAA-AAAA", "1tag", "86400000", "1740830400000", "admin", "", "", "", "", "bogus"},
	}

	_, err := snap.Load(context.Background())
	assert.Error(t, err)
}
