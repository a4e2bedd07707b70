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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
)

// https://datatracker.ietf.org/doc/html/rfc1929
// Credentials can be nil, and that means no authentication.
type credentials struct {
	username []byte
	password []byte
}

// StreamDialer routes outbound connections through an upstream SOCKS5 proxy.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	cred          *credentials
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that routes connections to a SOCKS5
// proxy listening at the given [transport.StreamEndpoint].
func NewStreamDialer(endpoint transport.StreamEndpoint) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	return &StreamDialer{proxyEndpoint: endpoint}, nil
}

// SetCredentials enables username/password authentication.
func (c *StreamDialer) SetCredentials(username, password []byte) error {
	if len(username) == 0 || len(username) > 255 {
		return errors.New("username must be between 1 and 255 bytes")
	}
	if len(password) == 0 || len(password) > 255 {
		return errors.New("password must be between 1 and 255 bytes")
	}
	c.cred = &credentials{username: username, password: password}
	return nil
}

// DialStream implements [transport.StreamDialer].DialStream using SOCKS5.
// The method selection, authentication and connect request go out in a single write, since only
// one method is ever offered. A rejected request returns an error wrapping the [ReplyCode].
func (c *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	target, err := transport.ParseTarget(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", remoteAddr, err)
	}
	proxyConn, err := c.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS5 proxy: %w", err)
	}
	dialSuccess := false
	defer func() {
		if !dialSuccess {
			proxyConn.Close()
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
		defer proxyConn.SetDeadline(time.Time{})
	}

	b := make([]byte, 0, 3+3+255+255+3+1+255+2)
	if c.cred == nil {
		b = append(b, Version, 1, MethodNoAuth)
	} else {
		b = append(b, Version, 1, MethodUserPass)
		// VER = 1, ULEN, UNAME, PLEN, PASSWD
		b = append(b, 1, byte(len(c.cred.username)))
		b = append(b, c.cred.username...)
		b = append(b, byte(len(c.cred.password)))
		b = append(b, c.cred.password...)
	}
	b = append(b, Version, CmdConnect, 0)
	if b, err = AppendAddress(b, target); err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 address: %w", err)
	}
	if _, err = proxyConn.Write(b); err != nil {
		return nil, fmt.Errorf("failed to write combined SOCKS5 request: %w", err)
	}

	var reply [4]byte
	if _, err = io.ReadFull(proxyConn, reply[:2]); err != nil {
		return nil, fmt.Errorf("failed to read method server response: %w", err)
	}
	if reply[0] != Version {
		return nil, fmt.Errorf("invalid protocol version %v. Expected 5", reply[0])
	}
	switch reply[1] {
	case MethodNoAuth:
	case MethodUserPass:
		if _, err = io.ReadFull(proxyConn, reply[:2]); err != nil {
			return nil, fmt.Errorf("failed to read authentication version and status: %w", err)
		}
		if reply[0] != 1 {
			return nil, fmt.Errorf("invalid authentication version %v. Expected 1", reply[0])
		}
		if reply[1] != 0 {
			return nil, fmt.Errorf("authentication failed: %v", reply[1])
		}
	default:
		return nil, fmt.Errorf("unsupported SOCKS authentication method %v", reply[1])
	}

	if _, err = ReadReply(proxyConn); err != nil {
		return nil, err
	}
	dialSuccess = true
	return proxyConn, nil
}

// ReadReply reads a connect reply from r and returns the bound address. A non-success reply code
// is returned as the error.
func ReadReply(r io.Reader) (transport.Target, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return transport.Target{}, fmt.Errorf("failed to read connect server response: %w", err)
	}
	if head[0] != Version {
		return transport.Target{}, fmt.Errorf("%w %d", ErrUnsupportedVersion, head[0])
	}
	if code := ReplyCode(head[1]); code != Succeeded {
		return transport.Target{}, fmt.Errorf("connect request rejected: %w", code)
	}
	bound, err := ReadAddress(r)
	if err != nil {
		return transport.Target{}, fmt.Errorf("failed to read bound address: %w", err)
	}
	return bound, nil
}
