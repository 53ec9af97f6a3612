package connectivity_probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolICMPv6   = 58
	defaultPingLimit = 2 * time.Second
)

// ErrICMPUnavailable is returned when no ICMP socket could be opened
var ErrICMPUnavailable = errors.New("icmp socket unavailable")

// Pinger performs the lightweight reachability test against a resolved address
type Pinger interface {
	Ping(ctx context.Context, ip net.IP) (time.Duration, error)
}

// ICMPPinger sends a single echo request. It prefers unprivileged datagram
// sockets and falls back to raw sockets when those are not permitted.
type ICMPPinger struct {
	id  int
	seq atomic.Uint32
}

func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{id: os.Getpid() & 0xffff}
}

func (p *ICMPPinger) Ping(ctx context.Context, ip net.IP) (time.Duration, error) {
	v4 := ip.To4() != nil

	conn, privileged, err := p.listen(v4)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultPingLimit)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	seq := int(p.seq.Add(1) & 0xffff)
	var echoType icmp.Type = ipv4.ICMPTypeEcho
	proto := protocolICMP
	if !v4 {
		echoType = ipv6.ICMPTypeEchoRequest
		proto = protocolICMPv6
	}

	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("portal-keeper")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshal echo: %w", err)
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		dst = &net.IPAddr{IP: ip}
	}

	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, fmt.Errorf("send echo to %s: %w", ip, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("wait for echo reply from %s: %w", ip, err)
		}
		if !peerMatches(peer, ip) {
			continue
		}
		reply, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply && reply.Type != ipv6.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// The kernel rewrites the identifier on datagram sockets.
		if privileged && echo.ID != p.id {
			continue
		}
		return time.Since(start), nil
	}
}

func (p *ICMPPinger) listen(v4 bool) (*icmp.PacketConn, bool, error) {
	network, raw, address := "udp4", "ip4:icmp", "0.0.0.0"
	if !v4 {
		network, raw, address = "udp6", "ip6:ipv6-icmp", "::"
	}

	conn, err := icmp.ListenPacket(network, address)
	if err == nil {
		return conn, false, nil
	}
	conn, rawErr := icmp.ListenPacket(raw, address)
	if rawErr == nil {
		return conn, true, nil
	}
	return nil, false, fmt.Errorf("%w: %v; %v", ErrICMPUnavailable, err, rawErr)
}

func peerMatches(peer net.Addr, ip net.IP) bool {
	switch addr := peer.(type) {
	case *net.UDPAddr:
		return addr.IP.Equal(ip)
	case *net.IPAddr:
		return addr.IP.Equal(ip)
	default:
		return true
	}
}

// TCPPinger treats a completed TCP handshake on any listed port as reachable
type TCPPinger struct {
	Ports  []int
	dialer net.Dialer
}

func NewTCPPinger(ports []int) *TCPPinger {
	return &TCPPinger{Ports: ports}
}

func (p *TCPPinger) Ping(ctx context.Context, ip net.IP) (time.Duration, error) {
	if len(p.Ports) == 0 {
		return 0, errors.New("no tcp ports configured")
	}
	var lastErr error
	for _, port := range p.Ports {
		start := time.Now()
		conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

// FallbackPinger gives Primary half of the remaining deadline and Secondary
// whatever is left.
type FallbackPinger struct {
	Primary   Pinger
	Secondary Pinger
}

func (p *FallbackPinger) Ping(ctx context.Context, ip net.IP) (time.Duration, error) {
	primaryCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		primaryCtx, cancel = context.WithTimeout(ctx, time.Until(deadline)/2)
		defer cancel()
	}

	latency, err := p.Primary.Ping(primaryCtx, ip)
	if err == nil {
		return latency, nil
	}
	if p.Secondary == nil || ctx.Err() != nil {
		return 0, err
	}
	latency, secondaryErr := p.Secondary.Ping(ctx, ip)
	if secondaryErr != nil {
		return 0, fmt.Errorf("%v; fallback: %w", err, secondaryErr)
	}
	return latency, nil
}

// NewSystemPinger builds the default ICMP pinger with a TCP fallback on the
// given ports. An empty port list disables the fallback.
func NewSystemPinger(fallbackPorts []int) Pinger {
	if len(fallbackPorts) == 0 {
		return NewICMPPinger()
	}
	return &FallbackPinger{
		Primary:   NewICMPPinger(),
		Secondary: NewTCPPinger(fallbackPorts),
	}
}
