// Copyright 2023 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dns

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testZone answers A and AAAA queries from fixed records. Queries over UDP for names in
// truncated get an empty truncated answer instead.
type testZone struct {
	a         map[string][]string
	aaaa      map[string][]string
	truncated map[string]bool
	ttl       uint32
	queries   atomic.Int32
}

func (z *testZone) ServeDNS(w mdns.ResponseWriter, req *mdns.Msg) {
	z.queries.Add(1)
	m := new(mdns.Msg)
	m.SetReply(req)
	q := req.Question[0]
	// Names match case-insensitively, as on real nameservers.
	name := mdns.CanonicalName(q.Name)
	if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP && z.truncated[name] {
		m.Truncated = true
		w.WriteMsg(m)
		return
	}
	hdr := mdns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: mdns.ClassINET, Ttl: z.ttl}
	switch q.Qtype {
	case mdns.TypeA:
		for _, ip := range z.a[name] {
			m.Answer = append(m.Answer, &mdns.A{Hdr: hdr, A: net.ParseIP(ip)})
		}
	case mdns.TypeAAAA:
		for _, ip := range z.aaaa[name] {
			m.Answer = append(m.Answer, &mdns.AAAA{Hdr: hdr, AAAA: net.ParseIP(ip)})
		}
	}
	if len(z.a[name]) == 0 && len(z.aaaa[name]) == 0 {
		m.Rcode = mdns.RcodeNameError
	}
	w.WriteMsg(m)
}

// startTestServer serves zone over UDP and TCP on the same loopback port.
func startTestServer(t *testing.T, zone *testZone) string {
	var pc net.PacketConn
	var ln net.Listener
	for i := 0; ; i++ {
		var err error
		pc, err = net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		ln, err = net.Listen("tcp", pc.LocalAddr().String())
		if err == nil {
			break
		}
		pc.Close()
		require.Less(t, i, 10, "could not find a port free for both UDP and TCP")
	}
	for _, server := range []*mdns.Server{{PacketConn: pc, Handler: zone}, {Listener: ln, Handler: zone}} {
		server := server
		started := make(chan struct{})
		server.NotifyStartedFunc = func() { close(started) }
		go server.ActivateAndServe()
		<-started
		t.Cleanup(func() { server.Shutdown() })
	}
	return pc.LocalAddr().String()
}

func newZone() *testZone {
	return &testZone{
		a: map[string][]string{
			"dual.test.": {"192.0.2.1", "192.0.2.2"},
			"v4.test.":   {"192.0.2.10"},
			"big.test.":  {"192.0.2.20"},
		},
		aaaa: map[string][]string{
			"dual.test.": {"2001:db8::1"},
			"v6.test.":   {"2001:db8::6"},
		},
		truncated: map[string]bool{"big.test.": true},
		ttl:       60,
	}
}

func addrs(ss ...string) []netip.Addr {
	var out []netip.Addr
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestResolver_Modes(t *testing.T) {
	server := startTestServer(t, newZone())
	for _, tc := range []struct {
		mode Mode
		host string
		want []netip.Addr
	}{
		{ModeIPv4First, "dual.test", addrs("192.0.2.1", "192.0.2.2", "2001:db8::1")},
		{ModeIPv6First, "dual.test", addrs("2001:db8::1", "192.0.2.1", "192.0.2.2")},
		{ModeIPv4Only, "dual.test", addrs("192.0.2.1", "192.0.2.2")},
		{ModeIPv6Only, "dual.test", addrs("2001:db8::1")},
		{ModeIPv4First, "v6.test", addrs("2001:db8::6")},
		{ModeIPv6First, "v4.test", addrs("192.0.2.10")},
	} {
		t.Run(tc.mode.String()+"/"+tc.host, func(t *testing.T) {
			resolver, err := NewResolver(Config{Servers: []string{server}, Mode: tc.mode, Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			got, err := resolver.LookupNetIP(context.Background(), tc.host)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolver_NoSuitableAddress(t *testing.T) {
	server := startTestServer(t, newZone())
	resolver, err := NewResolver(Config{Servers: []string{server}, Mode: ModeIPv6Only})
	require.NoError(t, err)
	_, err = resolver.LookupNetIP(context.Background(), "v4.test")
	require.Error(t, err)

	_, err = resolver.LookupNetIP(context.Background(), "missing.test")
	require.Error(t, err)
}

func TestResolver_TruncatedFallsBackToTCP(t *testing.T) {
	server := startTestServer(t, newZone())
	resolver, err := NewResolver(Config{Servers: []string{server}, Mode: ModeIPv4Only})
	require.NoError(t, err)
	got, err := resolver.LookupNetIP(context.Background(), "big.test")
	require.NoError(t, err)
	require.Equal(t, addrs("192.0.2.20"), got)

	// Without the fallback the truncated answer has no addresses.
	udpOnly, err := NewResolver(Config{Servers: []string{"udp://" + server}, Mode: ModeIPv4Only})
	require.NoError(t, err)
	_, err = udpOnly.LookupNetIP(context.Background(), "big.test")
	require.Error(t, err)
}

func TestResolver_TCPOnly(t *testing.T) {
	server := startTestServer(t, newZone())
	resolver, err := NewResolver(Config{Servers: []string{"tcp://" + server}, Mode: ModeIPv4Only})
	require.NoError(t, err)
	got, err := resolver.LookupNetIP(context.Background(), "v4.test")
	require.NoError(t, err)
	require.Equal(t, addrs("192.0.2.10"), got)
}

func TestResolver_Cache(t *testing.T) {
	zone := newZone()
	server := startTestServer(t, zone)
	resolver, err := NewResolver(Config{Servers: []string{server}, Mode: ModeIPv4Only})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := resolver.LookupNetIP(context.Background(), "V4.test.")
		require.NoError(t, err)
		require.Equal(t, addrs("192.0.2.10"), got)
	}
	// Spellings of the same name share one cache entry.
	got, err := resolver.LookupNetIP(context.Background(), "v4.test")
	require.NoError(t, err)
	require.Equal(t, addrs("192.0.2.10"), got)
	require.Equal(t, int32(1), zone.queries.Load())

	uncached, err := NewResolver(Config{Servers: []string{server}, Mode: ModeIPv4Only, CacheTTL: -1})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := uncached.LookupNetIP(context.Background(), "v4.test")
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), zone.queries.Load())
}

func TestResolver_ZeroTTLNotCached(t *testing.T) {
	zone := newZone()
	zone.ttl = 0
	server := startTestServer(t, zone)
	resolver, err := NewResolver(Config{Servers: []string{server}, Mode: ModeIPv4Only})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := resolver.LookupNetIP(context.Background(), "v4.test")
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), zone.queries.Load())
}

func TestResolver_SecondServer(t *testing.T) {
	server := startTestServer(t, newZone())
	// Nothing listens on the first server.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	closed.Close()

	resolver, err := NewResolver(Config{Servers: []string{"tcp://" + deadAddr, server}, Mode: ModeIPv4Only})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := resolver.LookupNetIP(ctx, "v4.test")
	require.NoError(t, err)
	require.Equal(t, addrs("192.0.2.10"), got)
}

func TestResolver_IPLiteral(t *testing.T) {
	resolver, err := NewResolver(Config{Servers: []string{"udp://127.0.0.1:1"}})
	require.NoError(t, err)
	got, err := resolver.LookupNetIP(context.Background(), "::ffff:10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, addrs("10.0.0.1"), got)
}

func TestResolver_System(t *testing.T) {
	resolver, err := NewResolver(Config{Mode: ModeIPv4Only})
	require.NoError(t, err)
	got, err := resolver.LookupNetIP(context.Background(), "localhost")
	require.NoError(t, err)
	for _, addr := range got {
		require.True(t, addr.Is4(), addr.String())
	}
}

func TestNewResolver_InvalidServer(t *testing.T) {
	for _, server := range []string{"http://1.1.1.1", "tcp://"} {
		_, err := NewResolver(Config{Servers: []string{server}})
		require.Error(t, err, server)
	}
	_, err := NewResolver(Config{Mode: Mode(9)})
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for i, name := range modeNames {
		mode, err := ParseMode(name)
		require.NoError(t, err)
		require.Equal(t, Mode(i), mode)
		require.Equal(t, name, mode.String())
	}
	mode, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeIPv4First, mode)
	_, err = ParseMode("ipv5_only")
	require.Error(t, err)
	require.Equal(t, "mode("+strconv.Itoa(7)+")", Mode(7).String())
}
