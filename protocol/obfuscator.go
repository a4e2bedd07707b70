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
	"io"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
)

// Obfuscator reshapes an already encrypted stream so it looks like another protocol. Each method
// follows the [Stage.Wrap] contract: it rewrites buf in place and returns the number of bytes
// ready, or 0 when more input is needed.
type Obfuscator interface {
	ObfsRequest(buf *buffer.Buffer) (int, error)
	DeObfsResponse(buf *buffer.Buffer) (int, error)
	ObfsResponse(buf *buffer.Buffer) (int, error)
	DeObfsRequest(buf *buffer.Buffer) (int, error)
}

// ObfuscatingClient forwards every session to a fixed obfuscating server.
type ObfuscatingClient struct {
	fixedRemote
	obfs Obfuscator
}

var _ Stage = (*ObfuscatingClient)(nil)

// NewObfuscatingClient creates a client stage that forwards to server.
func NewObfuscatingClient(server transport.Target, obfs Obfuscator) *ObfuscatingClient {
	c := &ObfuscatingClient{fixedRemote: fixedRemote{remote: server}, obfs: obfs}
	c.target = server
	return c
}

func (c *ObfuscatingClient) Wrap(buf *buffer.Buffer) (int, error)   { return c.obfs.ObfsRequest(buf) }
func (c *ObfuscatingClient) UnWrap(buf *buffer.Buffer) (int, error) { return c.obfs.DeObfsResponse(buf) }
func (c *ObfuscatingClient) Initialize(io.ReadWriter, *buffer.Buffer) error {
	return nil
}

// ObfuscatingServer strips the obfuscation and forwards to a fixed upstream, usually the
// Shadowsocks server.
type ObfuscatingServer struct {
	fixedRemote
	obfs Obfuscator
}

var _ Stage = (*ObfuscatingServer)(nil)

// NewObfuscatingServer creates a server stage that forwards to upstream.
func NewObfuscatingServer(upstream transport.Target, obfs Obfuscator) *ObfuscatingServer {
	s := &ObfuscatingServer{fixedRemote: fixedRemote{remote: upstream}, obfs: obfs}
	s.target = upstream
	return s
}

func (s *ObfuscatingServer) Wrap(buf *buffer.Buffer) (int, error)   { return s.obfs.ObfsResponse(buf) }
func (s *ObfuscatingServer) UnWrap(buf *buffer.Buffer) (int, error) { return s.obfs.DeObfsRequest(buf) }
func (s *ObfuscatingServer) Initialize(io.ReadWriter, *buffer.Buffer) error {
	return nil
}
