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
)

// PacketDialer provides a way to dial a destination and establish datagram connections.
// It is only used for control traffic such as DNS queries; payload relaying is stream-only.
type PacketDialer interface {
	// DialPacket creates a connection bound to `raddr`, which has the form `host:port`.
	DialPacket(ctx context.Context, raddr string) (net.Conn, error)
}

// UDPDialer is a [PacketDialer] that uses the standard [net.Dialer] to dial UDP.
type UDPDialer struct {
	Dialer net.Dialer
}

var _ PacketDialer = (*UDPDialer)(nil)

// DialPacket implements [PacketDialer].
func (d *UDPDialer) DialPacket(ctx context.Context, raddr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "udp", raddr)
}
