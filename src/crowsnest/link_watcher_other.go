//go:build !linux
// +build !linux

package crowsnest

import (
	"context"
)

// Run waits for ctx; netlink notifications only exist on Linux, so the
// monitor's own poll is the only source of probe rounds here.
func (w *LinkWatcher) Run(ctx context.Context) error {
	logger.Warn("Link watcher unavailable on this platform, relying on periodic probes")
	<-ctx.Done()
	return nil
}
