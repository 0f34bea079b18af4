package guard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

func TestSidecar(t *testing.T) {
	checker := &stubChecker{err: licenseErrors.ErrNoLicense}
	g, c := newGuard(t, checker, nil)
	h := NewSidecar(g, slog.New(slog.NewTextHandler(io.Discard, nil)))

	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, "/authorized").Code)

	rec := serve(http.MethodPost, "/revalidate")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "no license")

	checker.set(activeGrant(t0.Add(time.Hour)), nil)
	rec = serve(http.MethodPost, "/revalidate")
	require.Equal(t, http.StatusOK, rec.Code)

	var st State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Validated)
	assert.Equal(t, "ABCD-1234-EFGH-5678", st.Grant.Key)

	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/authorized").Code)

	c.Advance(DefaultWindow + 2*time.Second)
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, "/authorized").Code, "stale state is not trusted")

	rec = serve(http.MethodGet, "/state")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Validated)
	assert.Equal(t, license.StatusActive, st.Grant.Status)

	require.NoError(t, g.Revalidate(context.Background()))
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/authorized").Code)
}
