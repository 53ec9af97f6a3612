package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	received := make(chan CLIMessage, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var msg CLIMessage
		json.Unmarshal(line, &msg)
		received <- msg
		conn.Write([]byte(`{"success":true,"message":"1 most recent events","data":[{"kind":"probe","message":"ok"}]}` + "\n"))
	}()

	resp, err := sendCommand(path, CLIMessage{Command: "logs", Args: []string{"1"}})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	msg := <-received
	assert.Equal(t, "logs", msg.Command)
	assert.Equal(t, []string{"1"}, msg.Args)

	var buf bytes.Buffer
	displayResponse(&buf, "logs", resp)
	assert.Contains(t, buf.String(), "probe")
	assert.Contains(t, buf.String(), "ok")
}

func TestSendCommand_NoService(t *testing.T) {
	_, err := sendCommand(filepath.Join(t.TempDir(), "missing.sock"), CLIMessage{Command: "status"})
	assert.Error(t, err)
}

func TestDisplayStatus(t *testing.T) {
	var s statusView
	s.Version = "portal-keeper v0.2.0"
	s.Uptime = "5m0s"
	s.Connectivity.State = "disconnected"
	s.Controller.State = "cooldown"
	s.Controller.InProgress = true
	s.Controller.CampaignID = "c-1"
	s.Controller.AttemptCount = 3
	s.Controller.LastOutcome = "failure"
	s.Controller.Suppressed = true

	var buf bytes.Buffer
	displayStatus(&buf, s)
	out := buf.String()
	assert.Contains(t, out, "Network:      disconnected")
	assert.Contains(t, out, "cooldown (automatic login paused)")
	assert.Contains(t, out, "c-1, 3 attempts")
	assert.Contains(t, out, "Credentials:  incomplete")
}

func TestFollowEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("backlog"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(event_log.Entry{Timestamp: time.Now(), Level: "warning", Kind: event_log.KindConnectivity, Message: "Connectivity changed: connected -> disconnected"})
		conn.WriteJSON(event_log.Entry{Timestamp: time.Now(), Level: "info", Kind: event_log.KindCampaign, Message: "Reauthentication campaign started (disconnect)"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, followEvents(ctx, strings.TrimPrefix(ts.URL, "http://"), 5, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "WARNING")
	assert.Contains(t, lines[0], "connected -> disconnected")
	assert.Contains(t, lines[1], "campaign started")
}
