// Package client talks to the license server's admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

const DefaultTimeout = 30 * time.Second

// Client is an admin API client authenticated with a bearer token.
type Client struct {
	httpClient *http.Client
	token      string
	url        string
}

// Active is an entry of GET /admin/licenses/active.
type Active struct {
	License       license.License `json:"license"`
	RemainingMs   int64           `json:"remainingMs"`
	RemainingDays int             `json:"remainingDays"`
}

// New creates a client for baseURL. A nil httpClient uses one with
// DefaultTimeout.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("server url is required")
	}
	if token == "" {
		return nil, errors.New("admin token is required, set LICENSED_SECURITY_ADMIN_TOKEN or pass --token")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		token:      token,
		url:        strings.TrimRight(baseURL, "/") + "/admin",
	}, nil
}

// CreateLicense issues a new unused license.
func (c *Client) CreateLicense(ctx context.Context, duration, issuer, identity string) (license.License, error) {
	bts, err := json.Marshal(map[string]string{
		"duration": duration,
		"issuer":   issuer,
		"identity": identity,
	})
	if err != nil {
		return license.License{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var created license.License
	err = c.makeRequest(ctx, http.MethodPost, "/licenses", bytes.NewReader(bts), &created)
	return created, err
}

// List returns all licenses, or the newest limit when limit is positive.
func (c *Client) List(ctx context.Context, limit int) ([]license.License, error) {
	path := "/licenses"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var licenses []license.License
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &licenses); err != nil {
		return nil, err
	}
	return licenses, nil
}

// ListActive returns every active license with its remaining time.
func (c *Client) ListActive(ctx context.Context) ([]Active, error) {
	var active []Active
	if err := c.makeRequest(ctx, http.MethodGet, "/licenses/active", nil, &active); err != nil {
		return nil, err
	}
	return active, nil
}

// Info returns a single license.
func (c *Client) Info(ctx context.Context, key string) (license.License, error) {
	var l license.License
	err := c.makeRequest(ctx, http.MethodGet, "/licenses/"+url.PathEscape(key), nil, &l)
	return l, err
}

// Delete removes a license.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.makeRequest(ctx, http.MethodDelete, "/licenses/"+url.PathEscape(key), nil, nil)
}

// Stats returns the collection summary.
func (c *Client) Stats(ctx context.Context) (license.Stats, error) {
	var st license.Stats
	err := c.makeRequest(ctx, http.MethodGet, "/stats", nil, &st)
	return st, err
}

// Sweep triggers a global expiry pass and returns how many licenses expired.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var out struct {
		Expired int `json:"expired"`
	}
	err := c.makeRequest(ctx, http.MethodPost, "/sweep", nil, &out)
	return out.Expired, err
}

// Export streams the XLSX workbook into w.
func (c *Client) Export(ctx context.Context, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/export.xlsx", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	return nil
}

func (c *Client) makeRequest(ctx context.Context, method, path string, body io.Reader, v interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// do sends the request and turns any non-2xx answer into an error.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("license server unreachable: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	bts, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, problemError(resp.StatusCode, bts)
}

// problemError maps an RFC 7807 body back onto the lifecycle sentinels.
func problemError(status int, body []byte) error {
	var pd licenseErrors.ProblemDetails
	if err := json.Unmarshal(body, &pd); err != nil || pd.Type == "" {
		return fmt.Errorf("status code %d (%s)", status, strings.TrimSpace(string(body)))
	}

	msg := pd.Detail
	if msg == "" {
		msg = pd.Title
	}

	var sentinel error
	switch pd.Type {
	case licenseErrors.TypeLicenseNotFound:
		sentinel = licenseErrors.ErrLicenseNotFound
	case licenseErrors.TypeLicenseExpired:
		sentinel = licenseErrors.ErrLicenseExpired
	case licenseErrors.TypeLicenseConflict:
		sentinel = licenseErrors.ErrOwnershipConflict
	case licenseErrors.TypeLicenseDuplicate:
		sentinel = licenseErrors.ErrDuplicateKey
	case licenseErrors.TypeValidation:
		sentinel = licenseErrors.ErrMalformedRequest
	case licenseErrors.TypeStorage, licenseErrors.TypeServiceDown:
		sentinel = licenseErrors.ErrStorageUnavailable
	default:
		return fmt.Errorf("%s (status %d): %s", pd.Title, status, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
