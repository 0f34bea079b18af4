package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", "s3cret", srv.Client())
	require.NoError(t, err)
	return c
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New("http://localhost:3850", "", nil)
	assert.Error(t, err)
	_, err = New("", "token", nil)
	assert.Error(t, err)
}

func TestClient_CreateLicense(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/licenses", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"duration": "1woche", "issuer": "cli", "identity": "buyer-7"}, body)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(license.New("ABCD-1234-EFGH-5678", license.Week, "cli", "buyer-7", t0))
	})

	l, err := c.CreateLicense(context.Background(), "1woche", "cli", "buyer-7")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234-EFGH-5678", l.Key)
	assert.Equal(t, license.StatusUnused, l.Status)
	assert.Equal(t, "buyer-7", l.IssuedFor)
}

func TestClient_ListAndActive(t *testing.T) {
	active := license.New("ABCD-1234-EFGH-5678", license.Day, "cli", "", t0).Activate("user-42", t0)

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/licenses":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode([]license.License{active})
		case "/admin/licenses/active":
			json.NewEncoder(w).Encode([]Active{{License: active, RemainingMs: 3_600_000, RemainingDays: 1}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	all, err := c.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "user-42", all[0].Identity)

	act, err := c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, act, 1)
	assert.Equal(t, 1, act[0].RemainingDays)
}

func TestClient_ProblemErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"not found", 404, `{"type":"/errors/license/not-found","title":"License Not Found","status":404,"detail":"license not found"}`, licenseErrors.ErrLicenseNotFound},
		{"validation", 400, `{"type":"/errors/validation","title":"Bad Request","status":400,"detail":"duration must be one of: 1tag, 1woche, 1monat"}`, licenseErrors.ErrMalformedRequest},
		{"storage", 503, `{"type":"/errors/storage/unavailable","title":"Storage Unavailable","status":503}`, licenseErrors.ErrStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Info(context.Background(), "ABCD-1234-EFGH-5678")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_Unauthorized(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	c.token = "wrong"

	_, err := c.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_DeleteSweepExport(t *testing.T) {
	var deleted string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/admin/sweep":
			w.Write([]byte(`{"expired":2}`))
		case r.URL.Path == "/admin/export.xlsx":
			w.Write([]byte("PK\x03\x04"))
		}
	})
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "ABCD-1234-EFGH-5678"))
	assert.Equal(t, "/admin/licenses/ABCD-1234-EFGH-5678", deleted)

	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var buf bytes.Buffer
	require.NoError(t, c.Export(ctx, &buf))
	assert.Equal(t, "PK\x03\x04", buf.String())
}
