package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/config"
	"licensed/internal/license"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Storage.Backend = "memory"
	cfg.Telemetry.EnableMetrics = false
	cfg.Scheduler.SweepSpec = "@every 1h"
	cfg.Security.AdminToken = "s3cret"
	cfg.Security.SigningSecret = "signing-secret"
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewApplication(t *testing.T) {
	tests := []struct {
		name          string
		modify        func(*config.Config)
		wantErr       bool
		errorContains string
	}{
		{
			name:   "memory store",
			modify: func(c *config.Config) {},
		},
		{
			name: "file store",
			modify: func(c *config.Config) {
				c.Storage.Backend = "file"
				c.Storage.FilePath = t.TempDir() + "/licenses.json"
			},
		},
		{
			name:          "invalid port",
			modify:        func(c *config.Config) { c.Server.Port = -1 },
			wantErr:       true,
			errorContains: "config validation failed",
		},
		{
			name:          "invalid sweep schedule",
			modify:        func(c *config.Config) { c.Scheduler.SweepSpec = "sometimes" },
			wantErr:       true,
			errorContains: "invalid sweep schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)

			app, err := NewApplication(context.Background(), cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				assert.Nil(t, app)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, app.Router)
			assert.NotNil(t, app.Server)
			assert.NotNil(t, app.Services.License)
			assert.NotNil(t, app.Services.Hub)
			assert.NotNil(t, app.Services.Limiter)
			assert.NotNil(t, app.Services.Scheduler)
			assert.Nil(t, app.Services.Discord, "no bot token configured")
			assert.NoError(t, app.Stop(context.Background()))
		})
	}
}

func postJSON(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestApplication_ActivationFlow(t *testing.T) {
	app, err := NewApplication(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.Services.Hub.Run(ctx)

	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/admin/events",
		http.Header{"Authorization": {"Bearer s3cret"}})
	require.NoError(t, err)
	defer conn.Close()

	var hello struct{ Type string }
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connection", hello.Type)

	resp := postJSON(t, srv.URL+"/admin/licenses", "s3cret", `{"duration":"1tag","issuer":"admin-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created license.License
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/validate", "", `{"key":"`+strings.ToLower(created.Key)+`","identity":"user-42"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var validated struct {
		Success bool
		License license.Grant
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&validated))
	resp.Body.Close()
	assert.True(t, validated.Success)
	assert.Equal(t, license.StatusActive, validated.License.Status)
	assert.NotEmpty(t, validated.License.Signature)

	resp = postJSON(t, srv.URL+"/validate", "", `{"key":"`+created.Key+`","identity":"user-99"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/check?discordId=user-42")
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, buf.String(), `"hasLicense":true`)

	seen := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !seen[string(license.EventActivated)] {
		var msg struct{ Type string }
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Type] = true
	}
	assert.True(t, seen[string(license.EventCreated)])
}

func TestApplication_AdminDisabledWithoutToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AdminToken = ""
	app, err := NewApplication(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Stop(context.Background())

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplication_Run(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApplication(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1" + app.Server.Addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down")
	}
}
