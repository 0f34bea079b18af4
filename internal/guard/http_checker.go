package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

// HTTPChecker talks to the license server's public API.
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChecker creates a checker for baseURL. A nil client uses a client
// with no timeout of its own; Revalidate bounds each call.
func NewHTTPChecker(baseURL string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPChecker{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type apiResponse struct {
	Success    bool           `json:"success"`
	HasLicense *bool          `json:"hasLicense,omitempty"`
	License    *license.Grant `json:"license,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Validate calls POST /validate.
func (c *HTTPChecker) Validate(ctx context.Context, key, identity string) (license.Grant, error) {
	body, err := json.Marshal(map[string]string{"key": key, "identity": identity})
	if err != nil {
		return license.Grant{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return license.Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// CheckByIdentity calls GET /check.
func (c *HTTPChecker) CheckByIdentity(ctx context.Context, identity string) (license.Grant, error) {
	u := c.baseURL + "/check?" + url.Values{"identity": {identity}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return license.Grant{}, err
	}
	return c.do(req)
}

func (c *HTTPChecker) do(req *http.Request) (license.Grant, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return license.Grant{}, fmt.Errorf("license server unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return license.Grant{}, fmt.Errorf("reading license server response: %w", err)
	}

	var out apiResponse
	if len(data) == 0 || json.Unmarshal(data, &out) != nil {
		return license.Grant{}, fmt.Errorf("license server returned %d without a valid body", resp.StatusCode)
	}

	if !out.Success {
		if out.Error == "" {
			return license.Grant{}, fmt.Errorf("license server returned %d", resp.StatusCode)
		}
		return license.Grant{}, licenseErrors.FromClientMessage(out.Error)
	}
	if out.HasLicense != nil && !*out.HasLicense {
		return license.Grant{}, licenseErrors.ErrNoLicense
	}
	if out.License == nil {
		return license.Grant{}, fmt.Errorf("license server response carries no license")
	}
	return *out.License, nil
}
