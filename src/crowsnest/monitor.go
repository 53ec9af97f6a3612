package crowsnest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "crowsnest")

// Monitor polls a Checker on a fixed period and publishes connectivity
// transitions. Probe rounds run on the Run goroutine only, so they never
// overlap; the published snapshot is replaced before any transition for the
// same round is delivered.
type Monitor struct {
	checker  Checker
	interval time.Duration
	clock    clock.Clock
	sink     event_log.Sink

	snapshot atomic.Pointer[Snapshot]
	kick     chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan Transition
	nextSub int
}

// NewMonitor creates a connectivity monitor. A nil clock uses the wall clock
// and a nil sink discards events.
func NewMonitor(checker Checker, interval time.Duration, clk clock.Clock, sink event_log.Sink) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = event_log.Discard
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		checker:  checker,
		interval: interval,
		clock:    clk,
		sink:     sink,
		kick:     make(chan struct{}, 1),
		subs:     make(map[int]chan Transition),
	}
	m.snapshot.Store(&Snapshot{State: StateUnknown})
	return m
}

// Run probes immediately and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	logger.WithField("interval", m.interval.String()).Info("Starting connectivity monitor")

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.cycle(ctx, false)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping connectivity monitor")
			return nil
		case <-ticker.C:
			m.cycle(ctx, false)
		case <-m.kick:
			m.cycle(ctx, true)
			ticker.Reset(m.interval)
		}
	}
}

// TriggerCheck asks for a probe round as soon as the current one, if any,
// finishes. Requests made while one is already pending are coalesced.
func (m *Monitor) TriggerCheck() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// IsConnected is a non-blocking read of the latest snapshot
func (m *Monitor) IsConnected() bool {
	return m.snapshot.Load().State == StateConnected
}

// Snapshot returns the latest published state
func (m *Monitor) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Subscribe registers for transitions. The returned function unsubscribes
// and closes the channel. A subscriber whose buffer is full misses the
// transition instead of stalling the monitor.
func (m *Monitor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Monitor) cycle(ctx context.Context, forced bool) {
	connected := m.checker.Check(ctx)
	if ctx.Err() != nil {
		// shutdown interrupted the round, its result is meaningless
		return
	}

	now := m.clock.Now()
	next := StateDisconnected
	if connected {
		next = StateConnected
	}

	prev := m.snapshot.Load()
	snap := &Snapshot{
		State:     next,
		Since:     prev.Since,
		CheckedAt: now,
		Rounds:    prev.Rounds + 1,
	}

	switch {
	case prev.State == StateUnknown:
		snap.Since = now
		m.snapshot.Store(snap)
		logger.WithField("state", next.String()).Info("Initial connectivity state established")
		m.sink.Record(event_log.Entry{
			Timestamp: now,
			Source:    "monitor",
			Kind:      event_log.KindConnectivity,
			Message:   fmt.Sprintf("Initial connectivity state: %s", next),
			Fields:    map[string]interface{}{"state": next.String()},
		})

	case prev.State == next:
		m.snapshot.Store(snap)
		logger.WithFields(logrus.Fields{
			"state":  next.String(),
			"forced": forced,
		}).Debug("Connectivity unchanged")
		if forced {
			m.sink.Record(event_log.Entry{
				Timestamp: now,
				Source:    "monitor",
				Kind:      event_log.KindProbe,
				Message:   fmt.Sprintf("Connectivity check: %s", next),
				Fields:    map[string]interface{}{"state": next.String()},
			})
		}

	default:
		snap.Since = now
		m.snapshot.Store(snap)

		transition := Transition{From: prev.State, To: next, Timestamp: now}
		level := logrus.InfoLevel
		if next == StateDisconnected {
			level = logrus.WarnLevel
		}
		logger.WithFields(logrus.Fields{
			"from": transition.From.String(),
			"to":   transition.To.String(),
		}).Log(level, "Connectivity changed")
		m.sink.Record(event_log.Entry{
			Timestamp: now,
			Level:     level.String(),
			Source:    "monitor",
			Kind:      event_log.KindConnectivity,
			Message:   fmt.Sprintf("Connectivity changed: %s -> %s", transition.From, transition.To),
			Fields: map[string]interface{}{
				"from": transition.From.String(),
				"to":   transition.To.String(),
			},
		})
		m.publish(transition)
	}
}

func (m *Monitor) publish(transition Transition) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- transition:
		default:
			logger.WithFields(logrus.Fields{
				"subscriber": id,
				"to":         transition.To.String(),
			}).Warn("Transition subscriber is full, dropping event")
		}
	}
}
