package metrics

import (
	"net/http"

	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/campusnet/portal-keeper/src/reauth_controller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "portal_keeper"

var logger = logrus.WithField("module", "metrics")

// Metrics holds the live collectors. They are derived from the event log, so
// nothing outside this package has to know they exist.
type Metrics struct {
	registry *prometheus.Registry

	Connected       prometheus.Gauge
	Transitions     *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	Campaigns       *prometheus.CounterVec
	ControllerState *prometheus.GaugeVec
	LoginDuration   prometheus.Histogram
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the last probe round found working egress (1=connected, 0=not)",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Connectivity transitions observed by the monitor",
		}, []string{"to"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauth_attempts_total",
			Help:      "Finished login attempts by outcome",
		}, []string{"outcome"}),
		Campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_total",
			Help:      "Finished reauthentication campaigns by result",
		}, []string{"result"}),
		ControllerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_state",
			Help:      "Current controller state (1 for the active state)",
		}, []string{"state"}),
		LoginDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_duration_seconds",
			Help:      "Duration of login attempts in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180},
		}),
	}

	m.registry.MustRegister(
		m.Connected,
		m.Transitions,
		m.Attempts,
		m.Campaigns,
		m.ControllerState,
		m.LoginDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(reauth_controller.StateIdle.String())
	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach feeds every entry recorded in log into the collectors
func (m *Metrics) Attach(log *event_log.Log) {
	log.AddHook(m.Observe)
}

// Observe updates the collectors from one event entry
func (m *Metrics) Observe(entry event_log.Entry) {
	if state, ok := entry.Fields["controller_state"].(string); ok {
		m.setState(state)
	}

	switch entry.Kind {
	case event_log.KindConnectivity:
		if to, ok := entry.Fields["to"].(string); ok {
			m.Transitions.WithLabelValues(to).Inc()
			m.setConnected(to)
		} else if state, ok := entry.Fields["state"].(string); ok {
			m.setConnected(state)
		}

	case event_log.KindAttempt:
		outcome, ok := entry.Fields["outcome"].(string)
		if !ok {
			return
		}
		m.Attempts.WithLabelValues(outcome).Inc()
		if d, ok := entry.Fields["duration_seconds"].(float64); ok {
			m.LoginDuration.Observe(d)
		}

	case event_log.KindCampaign:
		if result, ok := entry.Fields["result"].(string); ok {
			m.Campaigns.WithLabelValues(result).Inc()
		}
	}
}

func (m *Metrics) setConnected(state string) {
	if state == "connected" {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) setState(state string) {
	known := false
	for _, s := range reauth_controller.AllStates {
		v := 0.0
		if s.String() == state {
			v = 1
			known = true
		}
		m.ControllerState.WithLabelValues(s.String()).Set(v)
	}
	if !known {
		logger.WithField("state", state).Debug("Unknown controller state in event")
	}
}
