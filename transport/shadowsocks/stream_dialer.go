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

package shadowsocks

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/socks5"
)

// StreamDialer routes connections through a Shadowsocks server.
type StreamDialer struct {
	endpoint transport.StreamEndpoint
	factory  *ContextFactory
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a client that routes connections to a Shadowsocks proxy listening at
// the given StreamEndpoint, encrypting with contexts from factory.
func NewStreamDialer(endpoint transport.StreamEndpoint, factory *ContextFactory) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	if factory == nil {
		return nil, errors.New("argument factory must not be nil")
	}
	return &StreamDialer{endpoint: endpoint, factory: factory}, nil
}

// DialStream implements [transport.StreamDialer].DialStream via a Shadowsocks server.
//
// The connection is returned once the proxy is reached and the encrypted target address is sent.
// Shadowsocks has no way to report whether the server reached the target, so a refused target
// shows up as an immediate EOF on the returned connection.
func (c *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	target, err := transport.ParseTarget(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target address: %w", err)
	}
	header, err := socks5.AppendAddress(nil, target)
	if err != nil {
		return nil, err
	}
	proxyConn, err := c.endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, err
	}
	cc := c.factory.NewContext()
	ssw := NewWriter(proxyConn, cc.Encrypter)
	if _, err = ssw.Write(header); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to write target address: %w", err)
	}
	ssr := NewReader(proxyConn, cc.Decrypter)
	return transport.WrapConn(proxyConn, ssr, ssw), nil
}
