package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/license"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub, srv := startHub(t)

	a, b := dial(t, srv), dial(t, srv)
	assert.Equal(t, TypeConnection, readMessage(t, a).Type)
	assert.Equal(t, TypeConnection, readMessage(t, b).Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.Publish(license.Event{
		Type:     license.EventActivated,
		Key:      "ABCD-1234-EFGH-5678",
		Identity: "user-42",
		Duration: license.Day,
		At:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, string(license.EventActivated), msg.Type)
		assert.Equal(t, "2025-03-01T12:00:00Z", msg.Timestamp)
		data := msg.Data.(map[string]interface{})
		assert.Equal(t, "user-42", data["identity"])
	}

	assert.EqualValues(t, 2, hub.Stats().TotalConnections)
}

func TestHub_Unregister(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.Publish(license.Event{Type: license.EventCreated, Key: "ABCD-1234-EFGH-5678"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
	assert.EqualValues(t, 10, hub.Stats().Dropped)
}
