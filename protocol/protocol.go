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

// Package protocol defines the stage that sits between the session engine and the wire: it
// parses the target header, performs any protocol handshake, and transforms relayed bytes.
//
// The session engine only talks to the [Stage] interface, so a plain SOCKS5 proxy, a Shadowsocks
// client or server, and an obfuscating front end all run on the same relay loop.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/socks5"
)

// ErrNeedMore is wrapped by errors from [Stage.ParseHeader] when the header is truncated. The
// error also wraps a [*socks5.NeedMoreError] carrying the number of missing bytes.
var ErrNeedMore = errors.New("header incomplete")

// RequestPrefixLen is the offset of the address in a SOCKS5 request: version, command, reserved.
const RequestPrefixLen = 3

// Stage is the per-session protocol state.
type Stage interface {
	// ParseHeader decodes the target address starting at b[offset]. With offset
	// [RequestPrefixLen], b must hold a full SOCKS5 request and the version and command are
	// checked too. With offset 0, b holds a bare address as sent inside a Shadowsocks stream.
	// It returns the number of bytes of b the header occupies, counting the offset.
	ParseHeader(b []byte, offset int) (int, error)
	// Wrap encodes buf in place for the tunnel side: toward the remote peer for client stages,
	// and back toward the local peer for server stages. It returns the number of bytes ready;
	// 0 with a nil error means more input is needed.
	Wrap(buf *buffer.Buffer) (int, error)
	// UnWrap decodes bytes that arrived from the tunnel side.
	UnWrap(buf *buffer.Buffer) (int, error)
	// Initialize runs the protocol handshake over rw. Which peer rw is depends on the stage.
	// buf holds bytes already buffered for rw's direction and, on return, the plaintext that
	// must be forwarded before relaying starts.
	Initialize(rw io.ReadWriter, buf *buffer.Buffer) error
	// NeedsResolution reports whether Target is a hostname.
	NeedsResolution() bool
	// Target is the endpoint the session must connect to.
	Target() transport.Target
	// Destination is the address the client asked for. It equals Target unless the stage
	// forwards to a proxy.
	Destination() transport.Target
}

// header holds the target decoded by ParseHeader.
type header struct {
	target transport.Target
}

func (h *header) ParseHeader(b []byte, offset int) (int, error) {
	var (
		target transport.Target
		n      int
		err    error
	)
	switch offset {
	case 0:
		target, n, err = socks5.ParseAddress(b)
	case RequestPrefixLen:
		var req socks5.Request
		req, n, err = socks5.ParseRequest(b)
		target = req.Target
	default:
		return 0, fmt.Errorf("unsupported header offset %d", offset)
	}
	var needMore *socks5.NeedMoreError
	if errors.As(err, &needMore) {
		return 0, fmt.Errorf("%w: %w", ErrNeedMore, needMore)
	}
	if err != nil {
		return 0, err
	}
	h.target = target
	return n, nil
}

func (h *header) NeedsResolution() bool {
	return h.target.NeedsResolution()
}

func (h *header) Target() transport.Target {
	return h.target
}

func (h *header) Destination() transport.Target {
	return h.target
}

// fixedRemote routes every session to the same endpoint, such as the Shadowsocks server, while
// remembering what the client asked for.
type fixedRemote struct {
	header
	remote transport.Target
}

func (f *fixedRemote) NeedsResolution() bool {
	return f.remote.NeedsResolution()
}

func (f *fixedRemote) Target() transport.Target {
	return f.remote
}
