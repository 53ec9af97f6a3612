package connectivity_probe

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestDNSServer(t *testing.T, records map[string]string) string {
	t.Helper()

	mux := dns.NewServeMux()
	for name, addr := range records {
		name, addr := dns.Fqdn(name), net.ParseIP(addr)
		mux.HandleFunc(name, func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			if req.Question[0].Qtype == dns.TypeA && addr.To4() != nil {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   addr,
				})
			}
			w.WriteMsg(m)
		})
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started
	t.Cleanup(func() { server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSResolver_Resolve(t *testing.T) {
	addr := startTestDNSServer(t, map[string]string{"portal.test": "10.1.1.1"})
	resolver := NewDNSResolverWithServers([]string{addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ip, err := resolver.Resolve(ctx, "portal.test")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", ip.String())
}

func TestDNSResolver_UnknownName(t *testing.T) {
	addr := startTestDNSServer(t, map[string]string{"portal.test": "10.1.1.1"})
	resolver := NewDNSResolverWithServers([]string{addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := resolver.Resolve(ctx, "missing.test")
	assert.Error(t, err)
}

func TestDNSResolver_LiteralIP(t *testing.T) {
	resolver := NewDNSResolverWithServers(nil)
	ip, err := resolver.Resolve(context.Background(), "223.5.5.5")
	require.NoError(t, err)
	assert.Equal(t, "223.5.5.5", ip.String())
}

func TestNewDNSResolver_ReadsResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 192.0.2.53\nnameserver 192.0.2.54\n"), 0644))

	resolver := NewDNSResolver(path)
	assert.Equal(t, []string{"192.0.2.53:53", "192.0.2.54:53"}, resolver.servers)

	missing := NewDNSResolver(filepath.Join(t.TempDir(), "absent.conf"))
	assert.Empty(t, missing.servers)
}
