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
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"
)

// Mode selects which address families a lookup returns, and in which order.
type Mode int

const (
	ModeIPv4First Mode = iota
	ModeIPv6First
	ModeIPv4Only
	ModeIPv6Only
)

var modeNames = [...]string{"ipv4_first", "ipv6_first", "ipv4_only", "ipv6_only"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name. The empty string is [ModeIPv4First].
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeIPv4First, nil
	}
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resolve mode %q", s)
}

func (m Mode) wantIPv4() bool { return m != ModeIPv6Only }
func (m Mode) wantIPv6() bool { return m != ModeIPv4Only }

// Resolver maps a hostname to the addresses to connect to, in preference order.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// DefaultCacheTTL caps how long answers are cached when [Config.CacheTTL] is zero.
const DefaultCacheTTL = 5 * time.Minute

// Config configures [NewResolver].
type Config struct {
	// Servers lists the nameservers to query in order. Each entry is "host[:port]" for UDP with
	// TCP fallback, or one of "udp://", "tcp://" and "tls://" followed by "host[:port]".
	// An empty list uses the system resolver.
	Servers []string
	Mode    Mode
	// CacheTTL caps how long an answer is cached. Negative disables the cache.
	CacheTTL time.Duration
	// StreamDialer and PacketDialer reach the nameservers. They default to direct TCP and UDP.
	StreamDialer transport.StreamDialer
	PacketDialer transport.PacketDialer
	Logger       *zap.Logger
}

// CachingResolver is the [Resolver] returned by [NewResolver].
type CachingResolver struct {
	querier  Querier
	mode     Mode
	cacheTTL time.Duration
	cache    *cache.Cache
	logger   *zap.Logger
}

var _ Resolver = (*CachingResolver)(nil)

// NewResolver creates a resolver from cfg.
func NewResolver(cfg Config) (*CachingResolver, error) {
	if cfg.Mode < ModeIPv4First || cfg.Mode > ModeIPv6Only {
		return nil, fmt.Errorf("invalid resolve mode %v", cfg.Mode)
	}
	sd := cfg.StreamDialer
	if sd == nil {
		sd = &transport.TCPDialer{}
	}
	pd := cfg.PacketDialer
	if pd == nil {
		pd = &transport.UDPDialer{}
	}
	r := &CachingResolver{mode: cfg.Mode, cacheTTL: cfg.CacheTTL, logger: cfg.Logger}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.cacheTTL == 0 {
		r.cacheTTL = DefaultCacheTTL
	}
	if r.cacheTTL > 0 {
		r.cache = cache.New(r.cacheTTL, 2*r.cacheTTL)
	}
	if len(cfg.Servers) > 0 {
		queriers := make([]Querier, 0, len(cfg.Servers))
		for _, server := range cfg.Servers {
			q, err := newServerQuerier(server, sd, pd)
			if err != nil {
				return nil, err
			}
			queriers = append(queriers, q)
		}
		r.querier = NewSequentialQuerier(queriers...)
	}
	return r, nil
}

func newServerQuerier(server string, sd transport.StreamDialer, pd transport.PacketDialer) (Querier, error) {
	scheme, addr, found := strings.Cut(server, "://")
	if !found {
		scheme, addr = "", server
	}
	if addr == "" {
		return nil, fmt.Errorf("invalid DNS server %q", server)
	}
	switch strings.ToLower(scheme) {
	case "":
		return NewTruncationFallbackQuerier(NewUDPQuerier(pd, addr), NewTCPQuerier(sd, addr)), nil
	case "udp":
		return NewUDPQuerier(pd, addr), nil
	case "tcp":
		return NewTCPQuerier(sd, addr), nil
	case "tls":
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		return NewTLSQuerier(sd, addr, host), nil
	default:
		return nil, fmt.Errorf("unsupported DNS server scheme %q", scheme)
	}
}

// Mode returns the configured mode.
func (r *CachingResolver) Mode() Mode {
	return r.mode
}

type cachedAnswer struct {
	addrs []netip.Addr
}

// LookupNetIP returns the addresses of host ordered by the resolver's mode. IP literals are
// returned as is.
func (r *CachingResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	key := strings.ToLower(strings.TrimSuffix(host, "."))
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.(cachedAnswer).addrs, nil
		}
	}

	var (
		addrs []netip.Addr
		ttl   time.Duration
		err   error
	)
	if r.querier == nil {
		addrs, err = r.lookupSystem(ctx, host)
		ttl = r.cacheTTL
	} else {
		addrs, ttl, err = r.lookupServers(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no suitable address found", Name: host, IsNotFound: true}
	}
	if r.cache != nil && ttl > 0 {
		r.cache.Set(key, cachedAnswer{addrs}, min(ttl, r.cacheTTL))
	}
	r.logger.Debug("Resolved", zap.String("host", host), zap.Stringers("addrs", addrs), zap.Duration("ttl", ttl))
	return addrs, nil
}

func (r *CachingResolver) lookupSystem(ctx context.Context, host string) ([]netip.Addr, error) {
	network := "ip"
	switch r.mode {
	case ModeIPv4Only:
		network = "ip4"
	case ModeIPv6Only:
		network = "ip6"
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	var v4, v6 []netip.Addr
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is4() {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}
	return r.order(v4, v6), nil
}

// order joins the families according to the mode.
func (r *CachingResolver) order(v4, v6 []netip.Addr) []netip.Addr {
	switch r.mode {
	case ModeIPv4Only:
		return v4
	case ModeIPv6Only:
		return v6
	case ModeIPv6First:
		return append(v6, v4...)
	default:
		return append(v4, v6...)
	}
}

type familyResult struct {
	addrs []netip.Addr
	ttl   time.Duration
	err   error
}

// lookupServers queries the wanted families in parallel. One family failing is not an error as
// long as the other one produced addresses.
func (r *CachingResolver) lookupServers(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	var v4, v6 familyResult
	var wg sync.WaitGroup
	if r.mode.wantIPv4() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v4.addrs, v4.ttl, v4.err = r.queryFamily(ctx, host, dnsmessage.TypeA)
		}()
	}
	if r.mode.wantIPv6() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v6.addrs, v6.ttl, v6.err = r.queryFamily(ctx, host, dnsmessage.TypeAAAA)
		}()
	}
	wg.Wait()

	addrs := r.order(v4.addrs, v6.addrs)
	if len(addrs) == 0 {
		if err := errors.Join(v4.err, v6.err); err != nil {
			return nil, 0, fmt.Errorf("lookup %v failed: %w", host, err)
		}
		return nil, 0, nil
	}
	ttl := v4.ttl
	if len(v4.addrs) == 0 || (len(v6.addrs) > 0 && v6.ttl < ttl) {
		ttl = v6.ttl
	}
	return addrs, ttl, nil
}

// queryFamily returns the addresses of one type and the smallest TTL among them.
func (r *CachingResolver) queryFamily(ctx context.Context, host string, qtype dnsmessage.Type) ([]netip.Addr, time.Duration, error) {
	q, err := NewQuestion(host, qtype)
	if err != nil {
		return nil, 0, &nestedError{ErrBadRequest, err}
	}
	response, err := r.querier.Query(ctx, *q)
	if err != nil {
		return nil, 0, err
	}
	if response.RCode != dnsmessage.RCodeSuccess {
		return nil, 0, fmt.Errorf("got %v (%d)", response.RCode.String(), response.RCode)
	}
	var addrs []netip.Addr
	var minTTL uint32
	for _, answer := range response.Answers {
		if answer.Header.Type != qtype {
			continue
		}
		switch rr := answer.Body.(type) {
		case *dnsmessage.AResource:
			addrs = append(addrs, netip.AddrFrom4(rr.A))
		case *dnsmessage.AAAAResource:
			addrs = append(addrs, netip.AddrFrom16(rr.AAAA).Unmap())
		default:
			continue
		}
		if len(addrs) == 1 || answer.Header.TTL < minTTL {
			minTTL = answer.Header.TTL
		}
	}
	return addrs, time.Duration(minTTL) * time.Second, nil
}
