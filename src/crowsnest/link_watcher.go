package crowsnest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/sirupsen/logrus"
)

const (
	linkEventThrottle = 2 * time.Second
	updateBuffer      = 16
)

// LinkWatcher turns local interface and address changes into early probe
// rounds, so a cable pull or Wi-Fi reassociation is noticed without waiting
// for the next poll.
type LinkWatcher struct {
	ignoreInterfaces []string
	onlyInterfaces   []string
	trigger          Trigger
	clock            clock.Clock

	eventMutex    sync.Mutex
	lastEventTime map[string]time.Time // per interface and event type
}

// NewLinkWatcher creates a watcher that calls trigger.TriggerCheck on relevant changes
func NewLinkWatcher(cfg config_manager.ProbeConfig, trigger Trigger, clk clock.Clock) *LinkWatcher {
	if clk == nil {
		clk = clock.New()
	}
	return &LinkWatcher{
		ignoreInterfaces: cfg.IgnoreInterfaces,
		onlyInterfaces:   cfg.OnlyInterfaces,
		trigger:          trigger,
		clock:            clk,
		lastEventTime:    make(map[string]time.Time),
	}
}

// shouldWatchInterface checks if an interface should be watched
func (w *LinkWatcher) shouldWatchInterface(name string) bool {
	for _, ignored := range w.ignoreInterfaces {
		if name == ignored {
			return false
		}
	}

	// local LAN bridges never carry the upstream link
	if strings.HasPrefix(name, "br-") {
		return false
	}

	if len(w.onlyInterfaces) > 0 {
		for _, allowed := range w.onlyInterfaces {
			if name == allowed {
				return true
			}
		}
		return false
	}

	return true
}

// handleEvent throttles repeated events and forwards the rest to the monitor.
// It reports whether a probe round was requested.
func (w *LinkWatcher) handleEvent(event NetworkEvent) bool {
	if !w.shouldWatchInterface(event.InterfaceName) {
		return false
	}

	eventKey := fmt.Sprintf("%s:%d", event.InterfaceName, event.Type)
	now := w.clock.Now()

	w.eventMutex.Lock()
	lastTime, exists := w.lastEventTime[eventKey]
	if exists && now.Sub(lastTime) < linkEventThrottle {
		w.eventMutex.Unlock()
		return false
	}
	w.lastEventTime[eventKey] = now
	w.eventMutex.Unlock()

	logger.WithFields(logrus.Fields{
		"interface": event.InterfaceName,
		"event":     event.Type.String(),
		"gateway":   event.GatewayIP,
	}).Info("Network change detected, forcing connectivity check")
	w.trigger.TriggerCheck()
	return true
}

// drainUpdates discards updates until the sender closes ch
func drainUpdates[T any](ch <-chan T) {
	for range ch {
	}
}
