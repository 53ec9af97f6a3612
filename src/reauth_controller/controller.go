package reauth_controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/campusnet/portal-keeper/src/crowsnest"
	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/campusnet/portal-keeper/src/portal_executor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "reauth_controller")

// how long an abandoned attempt gets to release its resources
const teardownGrace = 10 * time.Second

const subscriptionBuffer = 32

// Controller reacts to disconnect edges by running reauthentication
// campaigns. All campaign work happens on the Run goroutine; the single-slot
// guard is also taken by manual logout so the two never share the executor.
type Controller struct {
	conn     Connectivity
	executor portal_executor.Executor
	store    CredentialStore
	policy   RetryPolicy
	clock    clock.Clock
	sink     event_log.Sink

	slot       chan struct{}
	manual     chan struct{}
	redeliver  chan struct{}
	suppressed atomic.Bool
	// a disconnect edge ignored while a logout was pending
	droppedEdge atomic.Bool
	status      atomic.Pointer[Status]
	newID       func() string
}

// NewController wires a controller. A nil clock uses the wall clock and a nil
// sink discards events.
func NewController(conn Connectivity, executor portal_executor.Executor, store CredentialStore, policy RetryPolicy, clk clock.Clock, sink event_log.Sink) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = event_log.Discard
	}
	policy.fillDefaults()

	c := &Controller{
		conn:      conn,
		executor:  executor,
		store:     store,
		policy:    policy,
		clock:     clk,
		sink:      sink,
		slot:      make(chan struct{}, 1),
		manual:    make(chan struct{}, 1),
		redeliver: make(chan struct{}, 1),
		newID:     func() string { return uuid.New().String() },
	}
	c.status.Store(&Status{State: StateIdle})
	return c
}

// Status returns the latest published status
func (c *Controller) Status() Status {
	s := *c.status.Load()
	s.Suppressed = c.suppressed.Load()
	return s
}

// Policy returns the retry policy in effect
func (c *Controller) Policy() RetryPolicy {
	return c.policy
}

// Run consumes connectivity transitions until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	events, unsubscribe := c.conn.Subscribe(subscriptionBuffer)
	defer unsubscribe()

	logger.WithFields(logrus.Fields{
		"max_attempts": c.policy.MaxAttemptsBeforeCooldown,
		"base_backoff": c.policy.BaseBackoff.String(),
		"cooldown":     c.policy.Cooldown.String(),
	}).Info("Starting reauthentication controller")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping reauthentication controller")
			return nil
		case tr, ok := <-events:
			if !ok {
				return errors.New("connectivity subscription closed")
			}
			c.handleTransition(ctx, tr, events)
		case <-c.manual:
			if c.suppressed.Swap(false) {
				logger.Info("Manual login requested, automatic login resumed")
			}
			c.droppedEdge.Store(false)
			c.runCampaign(ctx, triggerManual, events)
			c.settle(ctx, events)
		case <-c.redeliver:
			if c.suppressed.Load() || c.conn.IsConnected() {
				continue
			}
			c.runCampaign(ctx, triggerDisconnect, events)
			c.settle(ctx, events)
		}
	}
}

// RequestLogin asks for a campaign as if a disconnect edge had been seen.
// It is a no-op while a campaign is already running.
func (c *Controller) RequestLogin() {
	select {
	case c.manual <- struct{}{}:
	default:
	}
}

func (c *Controller) handleTransition(ctx context.Context, tr crowsnest.Transition, events <-chan crowsnest.Transition) {
	if tr.To == crowsnest.StateConnected {
		c.resumeAutoLogin()
		return
	}
	if !tr.IsDisconnectEdge() {
		return
	}
	if c.suppressed.Load() {
		c.droppedEdge.Store(true)
		// a logout may have failed since the check above
		if !c.reclaimDroppedEdge() {
			c.record(event_log.KindCampaign, logrus.InfoLevel, "Disconnect ignored: automatic login paused after manual logout", nil)
			return
		}
	}
	c.runCampaign(ctx, triggerDisconnect, events)
	c.settle(ctx, events)
}

// settle looks at the transitions queued while a campaign was running.
// Only the newest one describes the present: if it is a fresh disconnect
// edge, it is handled like any other.
func (c *Controller) settle(ctx context.Context, events <-chan crowsnest.Transition) {
	select {
	case <-c.manual:
		logger.Debug("Dropping manual login request made during campaign")
	default:
	}

	var (
		latest  crowsnest.Transition
		pending bool
	)
	for {
		select {
		case tr, ok := <-events:
			if !ok {
				return
			}
			if tr.To == crowsnest.StateConnected {
				c.resumeAutoLogin()
			}
			latest, pending = tr, true
			continue
		default:
		}
		break
	}
	if pending && ctx.Err() == nil {
		c.handleTransition(ctx, latest, events)
	}
}

func (c *Controller) resumeAutoLogin() {
	c.droppedEdge.Store(false)
	if c.suppressed.Swap(false) {
		c.record(event_log.KindCampaign, logrus.InfoLevel, "Connectivity restored, automatic login resumed", nil)
	}
}

// runCampaign owns the executor until the host is online again, the settings
// make logging in impossible, or ctx ends.
func (c *Controller) runCampaign(ctx context.Context, trigger string, events <-chan crowsnest.Transition) {
	select {
	case c.slot <- struct{}{}:
	default:
		logger.WithField("trigger", trigger).Info("Campaign guard held, ignoring trigger")
		return
	}
	defer func() { <-c.slot }()

	id := c.newID()
	log := logger.WithField("campaign", id)
	log.WithField("trigger", trigger).Info("Starting reauthentication campaign")

	c.setStatus(func(s *Status) {
		s.State = StateCampaignRunning
		s.InProgress = true
		s.CampaignID = id
		s.AttemptCount = 0
		s.NextAttemptAt = time.Time{}
	})
	c.record(event_log.KindCampaign, logrus.InfoLevel, fmt.Sprintf("Reauthentication campaign started (%s)", trigger), map[string]interface{}{
		"campaign_id":      id,
		"trigger":          trigger,
		"controller_state": StateCampaignRunning.String(),
	})

	result := c.campaignCycles(ctx, id, trigger, events)
	c.finish(id, result)
}

// campaignCycles runs attempt cycles separated by cooldowns and returns the
// campaign result.
func (c *Controller) campaignCycles(ctx context.Context, id, trigger string, events <-chan crowsnest.Transition) string {
	maxAttempts := c.policy.MaxAttemptsBeforeCooldown
	for {
		creds, autoLogin, err := c.loadCredentials()
		if err != nil {
			c.configAbort(id, err)
			return resultConfigError
		}
		if !autoLogin && trigger == triggerDisconnect {
			c.record(event_log.KindCampaign, logrus.InfoLevel, "Automatic login is disabled in settings", map[string]interface{}{"campaign_id": id})
			return resultDisabled
		}

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if ctx.Err() != nil {
				return resultShutdown
			}
			if c.conn.IsConnected() {
				return resultConnected
			}

			err := c.attempt(ctx, id, creds, attempt)
			switch {
			case err == nil:
				c.conn.TriggerCheck()
				return resultSuccess
			case ctx.Err() != nil:
				return resultShutdown
			case portal_executor.IsConfigError(err):
				c.configAbort(id, err)
				return resultConfigError
			}

			if attempt == maxAttempts {
				break
			}

			delay := c.policy.Backoff(attempt)
			reconnected := c.wait(ctx, delay, events, func() {
				c.record(event_log.KindBackoff, logrus.InfoLevel,
					fmt.Sprintf("Attempt %d/%d failed, retrying in %s", attempt, maxAttempts, delay),
					map[string]interface{}{
						"campaign_id":   id,
						"attempt":       attempt,
						"delay_seconds": delay.Seconds(),
					})
			})
			if ctx.Err() != nil {
				return resultShutdown
			}
			if reconnected {
				return resultConnected
			}
		}

		c.setStatus(func(s *Status) { s.State = StateCooldown })
		log := logger.WithFields(logrus.Fields{"campaign": id, "cooldown": true})
		log.WithField("duration", c.policy.Cooldown.String()).Warn("All attempts failed, entering cooldown")

		reconnected := c.wait(ctx, c.policy.Cooldown, events, func() {
			c.record(event_log.KindCooldown, logrus.WarnLevel,
				fmt.Sprintf("All %d attempts failed, still trying: next attempt in %s", maxAttempts, c.policy.Cooldown),
				map[string]interface{}{
					"campaign_id":      id,
					"cooldown":         true,
					"delay_seconds":    c.policy.Cooldown.Seconds(),
					"controller_state": StateCooldown.String(),
				})
		})
		if ctx.Err() != nil {
			return resultShutdown
		}
		if reconnected {
			return resultConnected
		}

		c.setStatus(func(s *Status) {
			s.State = StateCampaignRunning
			s.AttemptCount = 0
		})
		c.record(event_log.KindCampaign, logrus.InfoLevel, "Cooldown over, starting a new attempt cycle", map[string]interface{}{
			"campaign_id":      id,
			"controller_state": StateCampaignRunning.String(),
		})
	}
}

func (c *Controller) loadCredentials() (portal_executor.Credentials, bool, error) {
	cfg, err := c.store.LoadConfig()
	if err != nil {
		return portal_executor.Credentials{}, false, &portal_executor.ConfigError{Field: "config", Reason: err.Error()}
	}
	creds, err := portal_executor.CredentialsFromConfig(cfg)
	if err != nil {
		return portal_executor.Credentials{}, false, err
	}
	return creds, cfg.AutoLogin, nil
}

// attempt runs one login bounded by the policy's ceiling. An attempt that
// outlives the ceiling is abandoned and reported as ErrAttemptTimeout.
func (c *Controller) attempt(ctx context.Context, id string, creds portal_executor.Credentials, n int) error {
	maxAttempts := c.policy.MaxAttemptsBeforeCooldown
	attemptCtx, cancel := c.clock.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	start := c.clock.Now()
	c.setStatus(func(s *Status) {
		s.AttemptCount = n
		s.LastAttemptAt = start
		s.NextAttemptAt = time.Time{}
	})
	logger.WithFields(logrus.Fields{"campaign": id, "attempt": n}).Info("Login attempt started")
	c.record(event_log.KindAttempt, logrus.InfoLevel, fmt.Sprintf("Login attempt %d/%d started", n, maxAttempts), map[string]interface{}{
		"campaign_id": id,
		"attempt":     n,
	})

	done := make(chan error, 1)
	go func() {
		done <- c.executor.Login(attemptCtx, creds)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = portal_executor.ErrAttemptTimeout
		}
	case <-attemptCtx.Done():
		cancel()
		c.awaitTeardown(id, done)
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = portal_executor.ErrAttemptTimeout
		}
	}

	c.reportAttempt(id, n, err, c.clock.Since(start))
	return err
}

func (c *Controller) awaitTeardown(id string, done <-chan error) {
	timer := c.clock.Timer(teardownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.WithFields(logrus.Fields{
			"campaign":       id,
			"resource_error": true,
		}).Error("Executor did not release its resources after cancellation")
	}
}

func (c *Controller) reportAttempt(id string, n int, err error, elapsed time.Duration) {
	maxAttempts := c.policy.MaxAttemptsBeforeCooldown
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, portal_executor.ErrAttemptTimeout):
		outcome = OutcomeTimeout
	case portal_executor.IsConfigError(err):
		outcome = OutcomeConfigError
	default:
		outcome = OutcomeFailure
	}

	c.setStatus(func(s *Status) {
		s.LastOutcome = outcome
		s.LastError = ""
		if err != nil {
			s.LastError = err.Error()
		}
	})

	fields := map[string]interface{}{
		"campaign_id":      id,
		"attempt":          n,
		"outcome":          string(outcome),
		"duration_seconds": elapsed.Seconds(),
	}
	log := logger.WithFields(logrus.Fields{
		"campaign": id,
		"attempt":  n,
		"elapsed":  elapsed.String(),
	})

	if err == nil {
		log.Info("Login attempt succeeded")
		c.record(event_log.KindAttempt, logrus.InfoLevel, fmt.Sprintf("Login attempt %d/%d succeeded after %s", n, maxAttempts, elapsed.Round(time.Millisecond)), fields)
		return
	}
	if errors.Is(err, context.Canceled) {
		log.Info("Login attempt interrupted by shutdown")
		return
	}

	level := logrus.WarnLevel
	if portal_executor.IsResourceError(err) {
		fields["resource_error"] = true
		level = logrus.ErrorLevel
		log = log.WithField("resource_error", true)
	}
	log.WithError(err).Log(level, "Login attempt failed")
	c.record(event_log.KindAttempt, level, fmt.Sprintf("Login attempt %d/%d failed: %v", n, maxAttempts, err), fields)
}

func (c *Controller) configAbort(id string, err error) {
	logger.WithField("campaign", id).WithError(err).Error("Configuration error, campaign aborted")
	c.setStatus(func(s *Status) {
		s.LastOutcome = OutcomeConfigError
		s.LastError = err.Error()
	})
	c.record(event_log.KindConfig, logrus.ErrorLevel, fmt.Sprintf("Cannot log in: %v", err), map[string]interface{}{
		"campaign_id": id,
	})
}

// wait blocks for d and reports whether connectivity came back meanwhile.
// announce runs once the timer is armed. The wait ends early on a Connected
// transition or when a cancel-check poll sees the host online.
func (c *Controller) wait(ctx context.Context, d time.Duration, events <-chan crowsnest.Transition, announce func()) bool {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	poll := c.clock.Ticker(c.policy.CancelCheckInterval)
	defer poll.Stop()

	c.setStatus(func(s *Status) { s.NextAttemptAt = c.clock.Now().Add(d) })
	announce()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return c.conn.IsConnected()
		case tr, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if tr.To == crowsnest.StateConnected {
				c.resumeAutoLogin()
				return true
			}
		case <-poll.C:
			if c.conn.IsConnected() {
				return true
			}
		case <-c.manual:
			logger.Info("Campaign already running, manual login request ignored")
		}
	}
}

func (c *Controller) finish(id, result string) {
	c.setStatus(func(s *Status) {
		s.State = StateIdle
		s.InProgress = false
		s.AttemptCount = 0
		s.NextAttemptAt = time.Time{}
	})

	level := logrus.InfoLevel
	if result == resultConfigError {
		level = logrus.ErrorLevel
	}
	logger.WithFields(logrus.Fields{"campaign": id, "result": result}).Log(level, "Reauthentication campaign ended")
	c.record(event_log.KindCampaign, level, fmt.Sprintf("Reauthentication campaign ended: %s", result), map[string]interface{}{
		"campaign_id":      id,
		"result":           result,
		"controller_state": StateIdle.String(),
	})
}

func (c *Controller) setStatus(update func(*Status)) {
	next := *c.status.Load()
	update(&next)
	c.status.Store(&next)
}

func (c *Controller) record(kind event_log.Kind, level logrus.Level, message string, fields map[string]interface{}) {
	c.sink.Record(event_log.Entry{
		Timestamp: c.clock.Now(),
		Level:     level.String(),
		Source:    "controller",
		Kind:      kind,
		Message:   message,
		Fields:    fields,
	})
}
