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

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// TargetKind tells which of the [Target] states a value is in.
type TargetKind uint8

const (
	TargetEmpty TargetKind = iota
	TargetResolved
	TargetUnresolved
)

// Target is the destination of a proxied stream: either an IP address or a host name, plus a port.
// Targets are immutable values; copies can be shared freely.
type Target struct {
	kind TargetKind
	addr netip.Addr
	host string
	port uint16
}

// TargetFromAddrPort creates a resolved Target.
func TargetFromAddrPort(ap netip.AddrPort) Target {
	return Target{kind: TargetResolved, addr: ap.Addr().Unmap(), port: ap.Port()}
}

// TargetFromHost creates a Target for host and port. Hosts that are IP literals produce a resolved
// Target; anything else needs resolution before connecting.
func TargetFromHost(host string, port uint16) Target {
	if addr, err := netip.ParseAddr(host); err == nil {
		return TargetFromAddrPort(netip.AddrPortFrom(addr, port))
	}
	return Target{kind: TargetUnresolved, host: host, port: port}
}

// ParseTarget parses an address of the form `host:port`.
func ParseTarget(address string) (Target, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Target{}, err
	}
	if host == "" {
		return Target{}, errors.New("empty host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Target{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return TargetFromHost(host, uint16(port)), nil
}

// Kind returns the state of the Target.
func (t Target) Kind() TargetKind {
	return t.kind
}

// IsEmpty reports whether the Target was never set.
func (t Target) IsEmpty() bool {
	return t.kind == TargetEmpty
}

// NeedsResolution reports whether the Target holds a host name.
func (t Target) NeedsResolution() bool {
	return t.kind == TargetUnresolved
}

// Addr returns the IP address of a resolved Target.
func (t Target) Addr() netip.Addr {
	return t.addr
}

// Host returns the host name of an unresolved Target, or the textual IP of a resolved one.
func (t Target) Host() string {
	if t.kind == TargetResolved {
		return t.addr.String()
	}
	return t.host
}

// Port returns the destination port.
func (t Target) Port() uint16 {
	return t.port
}

// AddrPort returns the endpoint of a resolved Target.
func (t Target) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.addr, t.port)
}

// WithAddr returns a resolved copy of t pointing at addr.
func (t Target) WithAddr(addr netip.Addr) Target {
	return TargetFromAddrPort(netip.AddrPortFrom(addr, t.port))
}

// String returns the Target as `host:port`, or the empty string for an empty Target.
func (t Target) String() string {
	if t.kind == TargetEmpty {
		return ""
	}
	return net.JoinHostPort(t.Host(), strconv.Itoa(int(t.port)))
}
