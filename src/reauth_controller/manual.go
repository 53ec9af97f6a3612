package reauth_controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/campusnet/portal-keeper/src/portal_executor"
	"github.com/sirupsen/logrus"
)

// Logout ends the portal session on the user's behalf. It fails with
// ErrCampaignActive while a campaign owns the executor. After a successful
// logout, automatic login stays paused until connectivity is observed again
// or RequestLogin is called, so the disconnect it causes is not undone.
// A disconnect observed while a failed logout was pending is handed back to
// the controller once the pause is lifted.
func (c *Controller) Logout(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
	default:
		return ErrCampaignActive
	}

	// pause before the executor runs: the disconnect may be observed
	// while it is still working
	wasSuppressed := c.suppressed.Swap(true)
	c.droppedEdge.Store(false)

	err := c.logout(ctx)
	// the slot is free before the pause is lifted, so a dropped edge
	// reclaimed from here or from Run can always start its campaign
	<-c.slot

	if err == nil {
		logger.Info("Logged out, automatic login paused")
		c.record(event_log.KindLogout, logrus.InfoLevel, "Logged out; automatic login paused until connectivity returns or a login is requested", map[string]interface{}{
			"suppressed": true,
		})
		c.conn.TriggerCheck()
		return nil
	}

	c.suppressed.Store(wasSuppressed)
	logger.WithError(err).Warn("Manual logout failed")
	c.record(event_log.KindLogout, logrus.WarnLevel, fmt.Sprintf("Logout failed: %v", err), nil)

	if c.reclaimDroppedEdge() && !c.conn.IsConnected() {
		c.record(event_log.KindCampaign, logrus.InfoLevel, "Disconnect observed during the failed logout, automatic login resumed", nil)
		select {
		case c.redeliver <- struct{}{}:
		default:
		}
	}
	return err
}

func (c *Controller) logout(ctx context.Context) error {
	cfg, err := c.store.LoadConfig()
	if err != nil {
		return &portal_executor.ConfigError{Field: "config", Reason: err.Error()}
	}
	if cfg == nil {
		return &portal_executor.ConfigError{Field: "config", Reason: "no configuration loaded"}
	}
	// a forgotten password must not prevent logging out
	creds := portal_executor.Credentials{
		Username:  cfg.Username,
		Password:  cfg.Password,
		ISP:       portal_executor.ISP(strings.ToLower(cfg.ISP)),
		PortalURL: cfg.PortalURL,
	}

	c.record(event_log.KindLogout, logrus.InfoLevel, "Manual logout requested", nil)

	logoutCtx, cancel := c.clock.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()
	return c.executor.Logout(logoutCtx, creds)
}

// reclaimDroppedEdge reports whether a disconnect edge was swallowed by a
// pause that has since been lifted. Only one caller gets true per edge.
func (c *Controller) reclaimDroppedEdge() bool {
	return !c.suppressed.Load() && c.droppedEdge.Swap(false)
}
