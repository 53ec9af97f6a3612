package connectivity_probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "connectivity_probe")

// Prober reduces a round of reachability checks to a single boolean
type Prober struct {
	targets  []Target
	resolver Resolver
	pinger   Pinger
	timeout  time.Duration
	spacing  time.Duration
	clock    clock.Clock
}

// NewProber builds a prober from configuration using the system resolver and
// the ICMP pinger with TCP fallback.
func NewProber(cfg config_manager.ProbeConfig, clk clock.Clock) *Prober {
	return NewProberWith(
		ParseTargets(cfg.Targets),
		NewDNSResolver(DefaultResolvConf),
		NewSystemPinger(cfg.FallbackPorts),
		cfg.Timeout(),
		cfg.ScanSpacing(),
		clk,
	)
}

// NewProberWith assembles a prober from explicit parts. The clock paces Scan;
// nil uses the wall clock.
func NewProberWith(targets []Target, resolver Resolver, pinger Pinger, timeout, spacing time.Duration, clk clock.Clock) *Prober {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Prober{
		targets:  targets,
		resolver: resolver,
		pinger:   pinger,
		timeout:  timeout,
		spacing:  spacing,
		clock:    clk,
	}
}

// Targets returns the probe order
func (p *Prober) Targets() []Target {
	out := make([]Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// Check probes targets in order and returns true at the first reachable one.
// Later targets are not contacted once one succeeds.
func (p *Prober) Check(ctx context.Context) bool {
	for i, target := range p.targets {
		if ctx.Err() != nil {
			return false
		}
		result := p.probe(ctx, target)
		if result.Reachable {
			logger.WithFields(logrus.Fields{
				"target":     target.Address,
				"index":      i,
				"latency_ms": result.Latency.Milliseconds(),
			}).Debug("Probe target reachable")
			return true
		}
		logger.WithFields(logrus.Fields{
			"target": target.Address,
			"index":  i,
		}).WithError(result.Err).Debug("Probe target unreachable")
	}
	logger.WithField("targets", len(p.targets)).Debug("All probe targets unreachable")
	return false
}

// Scan probes every target, pausing between them, and reports each result.
// It is meant for manual diagnostics, not the standing poll.
func (p *Prober) Scan(ctx context.Context) []Result {
	results := make([]Result, 0, len(p.targets))
	for i, target := range p.targets {
		if i > 0 && p.spacing > 0 {
			timer := p.clock.Timer(p.spacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results
			case <-timer.C:
			}
		}
		results = append(results, p.probe(ctx, target))
	}
	return results
}

func (p *Prober) probe(ctx context.Context, target Target) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := Result{Target: target}

	ip := net.ParseIP(target.Address)
	if target.Kind == KindHostname || ip == nil {
		resolved, err := p.resolver.Resolve(ctx, target.Address)
		if err != nil {
			result.Err = fmt.Errorf("resolve %s: %w", target.Address, err)
			return result
		}
		ip = resolved
	}

	latency, err := p.pinger.Ping(ctx, ip)
	if err != nil {
		result.Err = fmt.Errorf("ping %s (%s): %w", target.Address, ip, err)
		return result
	}

	result.Reachable = true
	result.Latency = latency
	return result
}
