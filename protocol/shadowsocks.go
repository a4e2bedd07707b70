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

package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/socks5"
)

// ShadowsocksClient forwards the SOCKS5 target, encrypted, to a Shadowsocks server.
type ShadowsocksClient struct {
	fixedRemote
	cc *shadowsocks.CryptoContext
	// addr is the encoded address from the SOCKS5 request.
	addr []byte
}

var _ Stage = (*ShadowsocksClient)(nil)

// NewShadowsocksClient creates a stage that connects to server and encrypts with cc.
func NewShadowsocksClient(server transport.Target, cc *shadowsocks.CryptoContext) *ShadowsocksClient {
	return &ShadowsocksClient{fixedRemote: fixedRemote{remote: server}, cc: cc}
}

func (c *ShadowsocksClient) ParseHeader(b []byte, offset int) (int, error) {
	n, err := c.header.ParseHeader(b, offset)
	if err != nil {
		return 0, err
	}
	c.addr = append(c.addr[:0], b[offset:n]...)
	return n, nil
}

func (c *ShadowsocksClient) Wrap(buf *buffer.Buffer) (int, error) {
	return c.cc.Encrypter.Transform(buf)
}

func (c *ShadowsocksClient) UnWrap(buf *buffer.Buffer) (int, error) {
	return c.cc.Decrypter.Transform(buf)
}

// Initialize writes the salt and the encrypted address to the server. Plaintext already in buf
// is sent in the same write and buf is left empty.
func (c *ShadowsocksClient) Initialize(remote io.ReadWriter, buf *buffer.Buffer) error {
	if len(c.addr) == 0 {
		return errors.New("no target address to send")
	}
	return writeHeader(remote, c.cc.Encrypter, c.addr, buf)
}

func writeHeader(w io.Writer, enc shadowsocks.Transformer, addr []byte, buf *buffer.Buffer) error {
	buf.Prepend(addr)
	n, err := enc.Transform(buf)
	if err != nil {
		return fmt.Errorf("failed to encrypt header: %w", err)
	}
	_, err = w.Write(buf.Bytes()[:n])
	buf.Reset()
	if err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// ShadowsocksTunnel forwards every session to one fixed destination through a Shadowsocks server.
type ShadowsocksTunnel struct {
	fixedRemote
	cc   *shadowsocks.CryptoContext
	addr []byte
}

var _ Stage = (*ShadowsocksTunnel)(nil)

// NewShadowsocksTunnel creates a stage that asks server to connect to forward.
func NewShadowsocksTunnel(server, forward transport.Target, cc *shadowsocks.CryptoContext) (*ShadowsocksTunnel, error) {
	addr, err := socks5.AppendAddress(nil, forward)
	if err != nil {
		return nil, fmt.Errorf("invalid forward address: %w", err)
	}
	t := &ShadowsocksTunnel{fixedRemote: fixedRemote{remote: server}, cc: cc, addr: addr}
	t.target = forward
	return t, nil
}

func (t *ShadowsocksTunnel) Wrap(buf *buffer.Buffer) (int, error) {
	return t.cc.Encrypter.Transform(buf)
}

func (t *ShadowsocksTunnel) UnWrap(buf *buffer.Buffer) (int, error) {
	return t.cc.Decrypter.Transform(buf)
}

// Initialize sends the forward address, together with any plaintext already in buf.
func (t *ShadowsocksTunnel) Initialize(remote io.ReadWriter, buf *buffer.Buffer) error {
	return writeHeader(remote, t.cc.Encrypter, t.addr, buf)
}

// ShadowsocksServer decrypts the stream from a Shadowsocks client and connects to the address at
// its start.
type ShadowsocksServer struct {
	header
	cc *shadowsocks.CryptoContext
}

var _ Stage = (*ShadowsocksServer)(nil)

// NewShadowsocksServer creates a server stage using cc.
func NewShadowsocksServer(cc *shadowsocks.CryptoContext) *ShadowsocksServer {
	return &ShadowsocksServer{cc: cc}
}

// Wrap encrypts bytes from the target for the client.
func (s *ShadowsocksServer) Wrap(buf *buffer.Buffer) (int, error) {
	return s.cc.Encrypter.Transform(buf)
}

// UnWrap decrypts bytes from the client.
func (s *ShadowsocksServer) UnWrap(buf *buffer.Buffer) (int, error) {
	return s.cc.Decrypter.Transform(buf)
}

// Initialize reads from the client until the whole target address is decrypted. Plaintext that
// follows the address is left in buf.
func (s *ShadowsocksServer) Initialize(client io.ReadWriter, buf *buffer.Buffer) error {
	var plain buffer.Buffer
	var readErr error
	for {
		if buf.Len() > 0 {
			n, err := s.cc.Decrypter.Transform(buf)
			if err != nil {
				return err
			}
			plain.AppendData(buf.Bytes()[:n])
			buf.Reset()
		}
		need, err := socks5.AddressNeedMore(plain.Bytes())
		if err != nil {
			return err
		}
		if need == 0 {
			break
		}
		if readErr != nil {
			if readErr == io.EOF && plain.Len() > 0 {
				readErr = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("failed to read header: %w", readErr)
		}
		_, readErr = buf.ReadOnce(client)
	}
	n, err := s.ParseHeader(plain.Bytes(), 0)
	if err != nil {
		return err
	}
	buf.AppendData(plain.Bytes()[n:])
	return nil
}
