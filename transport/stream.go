// Copyright 2019 Jigsaw Operations LLC
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
	"errors"
	"net"
	"syscall"
)

// StreamConn is a net.Conn that allows for closing only the reader or writer end of
// it, supporting half-open state.
type StreamConn interface {
	net.Conn
	// Closes the Read end of the connection, allowing for the release of resources.
	// No more reads should happen.
	CloseRead() error
	// Closes the Write end of the connection. An EOF or FIN signal may be
	// sent to the connection target.
	CloseWrite() error
}

// StreamEndpoint represents an endpoint that can be used to establish stream connections (like TCP).
type StreamEndpoint interface {
	// ConnectStream establishes a connection with the endpoint, returning the connection.
	ConnectStream(ctx context.Context) (StreamConn, error)
}

// StreamDialer provides a way to establish stream connections to a destination.
type StreamDialer interface {
	// DialStream connects to `raddr`.
	// `raddr` has the form `host:port`, where `host` can be a domain name or IP address.
	DialStream(ctx context.Context, raddr string) (StreamConn, error)
}

// FuncStreamDialer is a [StreamDialer] that uses the given function to dial.
type FuncStreamDialer func(ctx context.Context, raddr string) (StreamConn, error)

// DialStream implements [StreamDialer].
func (f FuncStreamDialer) DialStream(ctx context.Context, raddr string) (StreamConn, error) {
	return f(ctx, raddr)
}

// TCPDialer is a [StreamDialer] that uses the standard [net.Dialer] to dial TCP.
type TCPDialer struct {
	Dialer net.Dialer
}

var _ StreamDialer = (*TCPDialer)(nil)

// DialStream implements [StreamDialer].
func (d *TCPDialer) DialStream(ctx context.Context, raddr string) (StreamConn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", raddr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// TCPEndpoint is a [StreamEndpoint] that connects to the given address via TCP.
type TCPEndpoint struct {
	// The Dialer used to create the connection on ConnectStream().
	Dialer net.Dialer
	// The remote address (host:port) to dial.
	Address string
}

var _ StreamEndpoint = (*TCPEndpoint)(nil)

// ConnectStream implements [StreamEndpoint].
func (e *TCPEndpoint) ConnectStream(ctx context.Context) (StreamConn, error) {
	conn, err := e.Dialer.DialContext(ctx, "tcp", e.Address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// AsStreamConn returns conn as a [StreamConn]. Connections without half-close support
// get CloseRead and CloseWrite methods that fully close the connection.
func AsStreamConn(conn net.Conn) StreamConn {
	if sc, ok := conn.(StreamConn); ok {
		return sc
	}
	return &fullCloseConn{conn}
}

type fullCloseConn struct {
	net.Conn
}

func (c *fullCloseConn) CloseRead() error {
	return c.Conn.Close()
}

func (c *fullCloseConn) CloseWrite() error {
	return c.Conn.Close()
}

// IsConnectionRefused reports whether err comes from a connection attempt that the destination
// actively refused.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
