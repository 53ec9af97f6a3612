package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsIdle(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControllerState.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ControllerState.WithLabelValues("cooldown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
}

func TestObserve_FromEventLog(t *testing.T) {
	m := New()
	log := event_log.New(10)
	m.Attach(log)

	log.Record(event_log.Entry{Kind: event_log.KindConnectivity, Fields: map[string]interface{}{"state": "connected"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))

	log.Record(event_log.Entry{Kind: event_log.KindConnectivity, Fields: map[string]interface{}{"from": "connected", "to": "disconnected"}})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("disconnected")))

	log.Record(event_log.Entry{Kind: event_log.KindCampaign, Fields: map[string]interface{}{"trigger": "disconnect", "controller_state": "campaign_running"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControllerState.WithLabelValues("campaign_running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ControllerState.WithLabelValues("idle")))

	// attempt start carries no outcome and is not counted
	log.Record(event_log.Entry{Kind: event_log.KindAttempt, Fields: map[string]interface{}{"attempt": 1}})
	log.Record(event_log.Entry{Kind: event_log.KindAttempt, Fields: map[string]interface{}{"attempt": 1, "outcome": "failure", "duration_seconds": 3.5}})
	log.Record(event_log.Entry{Kind: event_log.KindAttempt, Fields: map[string]interface{}{"attempt": 2, "outcome": "success", "duration_seconds": 1.2}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LoginDuration))

	log.Record(event_log.Entry{Kind: event_log.KindCampaign, Fields: map[string]interface{}{"result": "success", "controller_state": "idle"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Campaigns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControllerState.WithLabelValues("idle")))
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.Observe(event_log.Entry{Kind: event_log.KindCampaign, Fields: map[string]interface{}{"result": "connected"}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `portal_keeper_campaigns_total{result="connected"} 1`)
	assert.Contains(t, string(body), "portal_keeper_controller_state")
}
