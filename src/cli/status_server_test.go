package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/campusnet/portal-keeper/src/reauth_controller"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatusTestServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("portal_keeper_connected 1\n"))
	})
	s := NewStatusServer("", f.services, metrics)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusServer_Status(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Status").Return(reauth_controller.Status{State: reauth_controller.StateCooldown, AttemptCount: 3})
	ts := newStatusTestServer(t, f)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	controller := body["controller"].(map[string]interface{})
	assert.Equal(t, "cooldown", controller["state"])
	assert.Equal(t, float64(3), controller["attempt_count"])
	connectivity := body["connectivity"].(map[string]interface{})
	assert.Equal(t, "connected", connectivity["state"])

	post, err := http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestStatusServer_Metrics(t *testing.T) {
	ts := newStatusTestServer(t, newFixture(t))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEntry(t *testing.T, conn *websocket.Conn) event_log.Entry {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var entry event_log.Entry
	require.NoError(t, conn.ReadJSON(&entry))
	return entry
}

func TestStatusServer_EventStream(t *testing.T) {
	f := newFixture(t)
	ts := newStatusTestServer(t, f)

	conn := dialEvents(t, ts, "")
	f.events.Record(event_log.Entry{Kind: event_log.KindConnectivity, Message: "Connectivity changed: connected -> disconnected"})

	entry := readEntry(t, conn)
	assert.Equal(t, event_log.KindConnectivity, entry.Kind)
	assert.Equal(t, "Connectivity changed: connected -> disconnected", entry.Message)
}

func TestStatusServer_EventStreamBacklog(t *testing.T) {
	f := newFixture(t)
	f.events.Record(event_log.Entry{Message: "first"})
	f.events.Record(event_log.Entry{Message: "second"})
	ts := newStatusTestServer(t, f)

	conn := dialEvents(t, ts, "?backlog=1")
	assert.Equal(t, "second", readEntry(t, conn).Message)

	f.events.Record(event_log.Entry{Message: "third"})
	assert.Equal(t, "third", readEntry(t, conn).Message)
}

func TestStatusServer_EventStreamBadBacklog(t *testing.T) {
	ts := newStatusTestServer(t, newFixture(t))

	resp, err := http.Get(ts.URL + "/events?backlog=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
