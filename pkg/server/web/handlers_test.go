package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/message"
	"github.com/freefal/blitzmail-server-sub000/pkg/msghub"
	"github.com/freefal/blitzmail-server-sub000/pkg/resolve"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage/mem"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupWebServer returns an httptest server backed by in-memory fixtures with
// one message delivered to mailbox 1.
func setupWebServer(t *testing.T) (*httptest.Server, *msghub.Hub) {
	t.Helper()
	store, err := mem.New(config.Storage{Type: "memory"})
	require.NoError(t, err)

	hub := msghub.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Start(ctx)

	mgr := &message.StoreManager{Store: store, Hub: hub}
	_, err = mgr.Deliver("sender@bedrock.edu",
		resolve.List{{Name: "Fred Flintstone", UID: 1, Local: true}},
		[]byte("From: sender@bedrock.edu\r\nSubject: web test\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	hub.Sync()

	server := NewServer(config.Web{Addr: "127.0.0.1:9000", MonitorHistory: 10},
		"blitz.campus.edu", make(chan bool), mgr, hub)
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, hub
}

func TestStatus(t *testing.T) {
	ts, _ := setupWebServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status struct {
		Hostname string `json:"hostname"`
		Uptime   string `json:"uptime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "blitz.campus.edu", status.Hostname)
	assert.NotEmpty(t, status.Uptime)
}

func TestMailboxListing(t *testing.T) {
	ts, _ := setupWebServer(t)

	resp, err := http.Get(ts.URL + "/mailbox/1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var headers []struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
		Size    int64  `json:"size"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&headers))
	require.Len(t, headers, 1)
	assert.Equal(t, "1", headers[0].ID)
	assert.Equal(t, "web test", headers[0].Subject)
	assert.True(t, headers[0].Size > 0)
}

func TestMessageBody(t *testing.T) {
	ts, _ := setupWebServer(t)

	resp, err := http.Get(ts.URL + "/mailbox/1/1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var msg struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "web test", msg.Subject)
	assert.Contains(t, msg.Body, "hello")
}

func TestMessageNotFound(t *testing.T) {
	ts, _ := setupWebServer(t)

	resp, err := http.Get(ts.URL + "/mailbox/1/99")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessageSource(t *testing.T) {
	ts, _ := setupWebServer(t)

	resp, err := http.Get(ts.URL + "/mailbox/1/1/source")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: web test")
}

func TestMonitorSocketReplaysHistory(t *testing.T) {
	ts, _ := setupWebServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/monitor/messages"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event struct {
		Variant string `json:"variant"`
		Header  struct {
			Mailbox string `json:"mailbox"`
			UID     int    `json:"uid"`
			Subject string `json:"subject"`
		} `json:"header"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "message-stored", event.Variant)
	assert.Equal(t, "Fred Flintstone", event.Header.Mailbox)
	assert.Equal(t, 1, event.Header.UID)
	assert.Equal(t, "web test", event.Header.Subject)
}
