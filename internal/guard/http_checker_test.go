package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "licensed/internal/errors"
)

func TestHTTPChecker_Responses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantKey string
	}{
		{"active", 200, `{"success":true,"hasLicense":true,"license":{"key":"ABCD-1234-EFGH-5678","duration":"1tag","expiresAt":1,"status":"active"}}`, nil, "ABCD-1234-EFGH-5678"},
		{"no license", 200, `{"success":true,"hasLicense":false}`, licenseErrors.ErrNoLicense, ""},
		{"not found", 404, `{"success":false,"error":"License not found"}`, licenseErrors.ErrLicenseNotFound, ""},
		{"expired", 403, `{"success":false,"error":"License expired"}`, licenseErrors.ErrLicenseExpired, ""},
		{"conflict", 409, `{"success":false,"error":"License belongs to another user"}`, licenseErrors.ErrOwnershipConflict, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "user-42", r.URL.Query().Get("identity"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g, err := NewHTTPChecker(srv.URL+"/", srv.Client()).CheckByIdentity(context.Background(), "user-42")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, g.Key)
		})
	}
}

func TestHTTPChecker_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPChecker(srv.URL, nil).Validate(context.Background(), "K", "user-42")
	assert.Error(t, err)
}
