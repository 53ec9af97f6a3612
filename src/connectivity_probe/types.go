package connectivity_probe

import (
	"encoding/json"
	"net"
	"strings"
	"time"
)

// TargetKind tells whether a probe target must be resolved first
type TargetKind int

const (
	KindHostname TargetKind = iota
	KindIP
)

func (k TargetKind) String() string {
	switch k {
	case KindIP:
		return "ip"
	default:
		return "dns"
	}
}

// MarshalText encodes the kind as "dns" or "ip"
func (k TargetKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Target is a single reachability endpoint
type Target struct {
	Address string     `json:"address"`
	Kind    TargetKind `json:"kind"`
}

// ParseTarget classifies an address as a literal IP or a DNS name
func ParseTarget(address string) Target {
	address = strings.TrimSpace(address)
	if net.ParseIP(address) != nil {
		return Target{Address: address, Kind: KindIP}
	}
	return Target{Address: address, Kind: KindHostname}
}

// ParseTargets keeps the configured order and drops blank entries
func ParseTargets(addresses []string) []Target {
	targets := make([]Target, 0, len(addresses))
	for _, address := range addresses {
		if strings.TrimSpace(address) == "" {
			continue
		}
		targets = append(targets, ParseTarget(address))
	}
	return targets
}

// Result is the outcome of probing one target
type Result struct {
	Target    Target
	Reachable bool
	Latency   time.Duration
	Err       error
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Target    Target  `json:"target"`
		Reachable bool    `json:"reachable"`
		LatencyMs float64 `json:"latency_ms,omitempty"`
		Error     string  `json:"error,omitempty"`
	}{
		Target:    r.Target,
		Reachable: r.Reachable,
	}
	if r.Reachable {
		out.LatencyMs = float64(r.Latency.Microseconds()) / 1000
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
