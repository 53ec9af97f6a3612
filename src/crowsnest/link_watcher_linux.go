//go:build linux
// +build linux

package crowsnest

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Run subscribes to netlink link and address updates until ctx is done
func (w *LinkWatcher) Run(ctx context.Context) error {
	linkUpdates := make(chan netlink.LinkUpdate, updateBuffer)
	addrUpdates := make(chan netlink.AddrUpdate, updateBuffer)
	done := make(chan struct{})
	var drains []func()
	// netlink's receiver sends without watching done and closes the
	// channel once its socket is shut, so keep reading until then
	defer func() {
		close(done)
		for _, drain := range drains {
			go drain()
		}
	}()

	if err := netlink.LinkSubscribe(linkUpdates, done); err != nil {
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}
	drains = append(drains, func() { drainUpdates(linkUpdates) })
	if err := netlink.AddrSubscribe(addrUpdates, done); err != nil {
		return fmt.Errorf("failed to subscribe to address updates: %w", err)
	}
	drains = append(drains, func() { drainUpdates(addrUpdates) })

	logger.Info("Watching network interface changes")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping link watcher")
			return nil
		case update, ok := <-linkUpdates:
			if !ok {
				return errors.New("link update subscription closed")
			}
			w.handleLinkUpdate(update)
		case update, ok := <-addrUpdates:
			if !ok {
				return errors.New("address update subscription closed")
			}
			w.handleAddressUpdate(update)
		}
	}
}

// handleLinkUpdate processes a network link update
func (w *LinkWatcher) handleLinkUpdate(update netlink.LinkUpdate) {
	if update.Link == nil {
		return
	}
	attrs := update.Link.Attrs()
	if attrs == nil {
		return
	}

	isUp := attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown

	eventType := EventInterfaceUp
	gatewayIP := ""
	if isUp {
		gatewayIP = gatewayForLink(update.Link)
	} else {
		eventType = EventInterfaceDown
	}

	w.handleEvent(NetworkEvent{
		Type:          eventType,
		InterfaceName: attrs.Name,
		GatewayIP:     gatewayIP,
		Timestamp:     w.clock.Now(),
	})
}

// handleAddressUpdate processes an IP address update
func (w *LinkWatcher) handleAddressUpdate(update netlink.AddrUpdate) {
	link, err := netlink.LinkByIndex(update.LinkIndex)
	if err != nil {
		logger.WithError(err).WithField("index", update.LinkIndex).Debug("Failed to look up link for address update")
		return
	}

	eventType := EventAddressAdded
	if !update.NewAddr {
		eventType = EventAddressDeleted
	}

	w.handleEvent(NetworkEvent{
		Type:          eventType,
		InterfaceName: link.Attrs().Name,
		GatewayIP:     gatewayForLink(link),
		Timestamp:     w.clock.Now(),
	})
}

// gatewayForLink returns the default-route gateway that uses the link, if any
func gatewayForLink(link netlink.Link) string {
	routes, err := netlink.RouteList(link, netlink.FAMILY_ALL)
	if err != nil {
		return ""
	}
	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			return route.Gw.String()
		}
	}
	return ""
}
