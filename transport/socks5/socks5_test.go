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
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/stretchr/testify/require"
)

func requireNeedMore(t *testing.T, err error, n int) {
	t.Helper()
	var needMore *NeedMoreError
	require.True(t, errors.As(err, &needMore), "expected NeedMoreError, got %v", err)
	require.Equal(t, n, needMore.N)
}

func TestMethodSelectionNeedMore(t *testing.T) {
	require.Equal(t, 2, MethodSelectionNeedMore(nil))
	require.Equal(t, 1, MethodSelectionNeedMore([]byte{5}))
	require.Equal(t, 2, MethodSelectionNeedMore([]byte{5, 2}))
	require.Equal(t, 1, MethodSelectionNeedMore([]byte{5, 2, 0}))
	require.Equal(t, 0, MethodSelectionNeedMore([]byte{5, 2, 0, 2}))
}

func TestParseMethodSelection(t *testing.T) {
	methods, n, err := ParseMethodSelection([]byte{5, 2, 2, 0, 0xAA})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{2, 0}, methods)
	require.Equal(t, MethodNoAuth, SelectMethod(methods))

	require.Equal(t, MethodNoAcceptable, SelectMethod([]byte{MethodUserPass}))

	_, _, err = ParseMethodSelection([]byte{5, 3, 0})
	requireNeedMore(t, err, 2)

	_, _, err = ParseMethodSelection([]byte{4, 1, 0})
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseRequestIPv4(t *testing.T) {
	req, n, err := ParseRequest([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, CmdConnect, req.Command)
	require.Equal(t, "127.0.0.1:80", req.Target.String())
	require.False(t, req.Target.NeedsResolution())
}

func TestParseRequestDomain(t *testing.T) {
	msg := append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "example.com"...)
	msg = append(msg, 0x01, 0xBB)
	req, n, err := ParseRequest(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, "example.com:443", req.Target.String())
	require.True(t, req.Target.NeedsResolution())
}

func TestParseRequestTruncation(t *testing.T) {
	requests := [][]byte{
		{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
		append(append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "example.com"...), 0x01, 0xBB),
		append(append([]byte{0x05, 0x01, 0x00, 0x04}, netip.IPv6Loopback().AsSlice()...), 0x1F, 0x90),
	}
	for _, full := range requests {
		// Feed the request one byte at a time. Every prefix reports the bytes it lacks, and
		// appending exactly that many never overshoots the message.
		var b []byte
		for len(b) < len(full) {
			need, err := RequestNeedMore(b)
			require.NoError(t, err)
			require.Greater(t, need, 0)
			require.LessOrEqual(t, len(b)+need, len(full))
			_, _, err = ParseRequest(b)
			requireNeedMore(t, err, need)
			b = full[:len(b)+1]
		}
		need, err := RequestNeedMore(b)
		require.NoError(t, err)
		require.Equal(t, 0, need)
		_, n, err := ParseRequest(b)
		require.NoError(t, err)
		require.Equal(t, len(full), n)
	}
}

func TestParseRequestFirstThreeBytes(t *testing.T) {
	_, _, err := ParseRequest([]byte{0x05, 0x01, 0x00})
	requireNeedMore(t, err, 1)
}

func TestParseRequestRejections(t *testing.T) {
	_, _, err := ParseRequest([]byte{0x04, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	req, n, err := ParseRequest([]byte{0x05, CmdBind, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.ErrorIs(t, err, ErrCommandNotSupported)
	require.Equal(t, CmdBind, req.Command)
	require.Equal(t, 10, n)

	_, _, err = ParseRequest([]byte{0x05, 0x01, 0x00, 0x09, 1, 2, 3})
	require.ErrorIs(t, err, ErrAddressTypeNotSupported)

	_, _, err = ParseRequest([]byte{0x05, 0x01, 0x00, 0x03, 0, 0, 80})
	require.ErrorIs(t, err, ErrAddressTypeNotSupported)
}

func TestAppendAddressRoundTrip(t *testing.T) {
	for _, addr := range []string{"8.8.8.8:53", "[2001:db8::1]:443", "example.com:8080"} {
		target, err := transport.ParseTarget(addr)
		require.NoError(t, err)
		b, err := AppendAddress(nil, target)
		require.NoError(t, err)
		parsed, n, err := ParseAddress(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, target, parsed)

		read, err := ReadAddress(bytes.NewReader(b))
		require.NoError(t, err)
		require.Equal(t, target, read)
	}
}

func TestAppendAddressErrors(t *testing.T) {
	_, err := AppendAddress(nil, transport.Target{})
	require.Error(t, err)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err = AppendAddress(nil, transport.TargetFromHost(string(long), 80))
	require.Error(t, err)
}

func TestAppendReply(t *testing.T) {
	b := AppendReply(nil, Succeeded, netip.MustParseAddrPort("10.0.0.1:1080"))
	require.Equal(t, []byte{5, 0, 0, 1, 10, 0, 0, 1, 0x04, 0x38}, b)

	b = AppendReply(nil, ErrHostUnreachable, netip.AddrPort{})
	require.Equal(t, []byte{5, 4, 0, 1, 0, 0, 0, 0, 0, 0}, b)

	_, err := ReadReply(bytes.NewReader(b))
	require.ErrorIs(t, err, ErrHostUnreachable)
}

func TestReplyCodeError(t *testing.T) {
	require.Equal(t, "host unreachable", ErrHostUnreachable.Error())
	require.Equal(t, "reply code 9", ReplyCode(9).Error())
}
