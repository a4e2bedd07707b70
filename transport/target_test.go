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
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetEmpty(t *testing.T) {
	var target Target
	require.True(t, target.IsEmpty())
	require.False(t, target.NeedsResolution())
	require.Equal(t, "", target.String())
}

func TestParseTargetIPv4(t *testing.T) {
	target, err := ParseTarget("127.0.0.1:80")
	require.NoError(t, err)
	require.Equal(t, TargetResolved, target.Kind())
	require.Equal(t, netip.MustParseAddrPort("127.0.0.1:80"), target.AddrPort())
	require.Equal(t, "127.0.0.1:80", target.String())
}

func TestParseTargetIPv6(t *testing.T) {
	target, err := ParseTarget("[2001:db8::1]:443")
	require.NoError(t, err)
	require.False(t, target.NeedsResolution())
	require.Equal(t, "[2001:db8::1]:443", target.String())
}

func TestParseTargetHost(t *testing.T) {
	target, err := ParseTarget("example.com:443")
	require.NoError(t, err)
	require.True(t, target.NeedsResolution())
	require.Equal(t, "example.com", target.Host())
	require.Equal(t, uint16(443), target.Port())

	resolved := target.WithAddr(netip.MustParseAddr("93.184.216.34"))
	require.False(t, resolved.NeedsResolution())
	require.Equal(t, "93.184.216.34:443", resolved.String())
	// The original value is unchanged.
	require.True(t, target.NeedsResolution())
}

func TestParseTargetErrors(t *testing.T) {
	for _, addr := range []string{"noport", ":80", "example.com:http", "example.com:70000"} {
		_, err := ParseTarget(addr)
		require.Error(t, err, addr)
	}
}

func TestMappedAddressIsUnmapped(t *testing.T) {
	target := TargetFromAddrPort(netip.MustParseAddrPort("[::ffff:10.0.0.1]:53"))
	require.True(t, target.Addr().Is4())
	require.Equal(t, "10.0.0.1:53", target.String())
}

func TestTCPDialerRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	_, err = (&TCPDialer{}).DialStream(context.Background(), addr)
	require.Error(t, err)
	require.True(t, IsConnectionRefused(err))
}
