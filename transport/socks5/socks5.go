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

// Package socks5 implements the SOCKS5 wire messages used by the local proxy front end and the
// upstream SOCKS5 dialer.
//
// Parsing is incremental: every message has a NeedMore function that tells how many more bytes
// must be buffered before the message can be parsed, and the Parse functions return a
// [*NeedMoreError] instead of consuming a truncated prefix. Callers keep reading into the same
// buffer and call again.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
)

// Version is the only protocol version accepted.
const Version = 0x05

// ReplyCode is a byte-unsigned number that represents a SOCKS error as indicated in the REP field of the server response.
type ReplyCode byte

// SOCKS reply codes, as enumerated in https://datatracker.ietf.org/doc/html/rfc1928#section-6.
const (
	Succeeded                        = ReplyCode(0x00)
	ErrGeneralServerFailure          = ReplyCode(0x01)
	ErrConnectionNotAllowedByRuleset = ReplyCode(0x02)
	ErrNetworkUnreachable            = ReplyCode(0x03)
	ErrHostUnreachable               = ReplyCode(0x04)
	ErrConnectionRefused             = ReplyCode(0x05)
	ErrTTLExpired                    = ReplyCode(0x06)
	ErrCommandNotSupported           = ReplyCode(0x07)
	ErrAddressTypeNotSupported       = ReplyCode(0x08)
)

// SOCKS5 commands, from https://datatracker.ietf.org/doc/html/rfc1928#section-4.
const (
	CmdConnect      = byte(1)
	CmdBind         = byte(2)
	CmdUDPAssociate = byte(3)
)

// SOCKS5 authentication methods, as specified in https://datatracker.ietf.org/doc/html/rfc1928#section-3
const (
	MethodNoAuth       = byte(0x00)
	MethodUserPass     = byte(0x02)
	MethodNoAcceptable = byte(0xFF)
)

// SOCKS address types defined at https://datatracker.ietf.org/doc/html/rfc1928#section-5
const (
	AddrTypeIPv4       = byte(0x01)
	AddrTypeDomainName = byte(0x03)
	AddrTypeIPv6       = byte(0x04)
)

var _ error = (ReplyCode)(0)

// Error returns a human-readable description of the error, based on the SOCKS5 RFC.
func (e ReplyCode) Error() string {
	switch e {
	case Succeeded:
		return "succeeded"
	case ErrGeneralServerFailure:
		return "general SOCKS server failure"
	case ErrConnectionNotAllowedByRuleset:
		return "connection not allowed by ruleset"
	case ErrNetworkUnreachable:
		return "network unreachable"
	case ErrHostUnreachable:
		return "host unreachable"
	case ErrConnectionRefused:
		return "connection refused"
	case ErrTTLExpired:
		return "TTL expired"
	case ErrCommandNotSupported:
		return "command not supported"
	case ErrAddressTypeNotSupported:
		return "address type not supported"
	default:
		return "reply code " + strconv.Itoa(int(e))
	}
}

// ErrUnsupportedVersion is returned when a message does not start with [Version].
var ErrUnsupportedVersion = errors.New("unsupported SOCKS version")

// NeedMoreError reports that the buffered bytes are a valid but incomplete prefix of a message.
type NeedMoreError struct {
	// N is the minimum number of additional bytes required before parsing can make progress.
	N int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("need %d more bytes", e.N)
}

// MethodSelectionNeedMore returns how many bytes are missing from the method-selection message
// in b, or 0 if it is complete.
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
func MethodSelectionNeedMore(b []byte) int {
	if len(b) < 2 {
		return 2 - len(b)
	}
	if expected := 2 + int(b[1]); len(b) < expected {
		return expected - len(b)
	}
	return 0
}

// ParseMethodSelection parses the method-selection message at the start of b. It returns the
// offered methods and the number of bytes the message occupies.
func ParseMethodSelection(b []byte) ([]byte, int, error) {
	if len(b) > 0 && b[0] != Version {
		return nil, 0, fmt.Errorf("%w %d", ErrUnsupportedVersion, b[0])
	}
	if need := MethodSelectionNeedMore(b); need > 0 {
		return nil, 0, &NeedMoreError{need}
	}
	n := 2 + int(b[1])
	return b[2:n], n, nil
}

// SelectMethod picks [MethodNoAuth] if offered, or [MethodNoAcceptable] otherwise.
func SelectMethod(methods []byte) byte {
	for _, m := range methods {
		if m == MethodNoAuth {
			return MethodNoAuth
		}
	}
	return MethodNoAcceptable
}

// AddressNeedMore returns how many bytes are missing from the address that starts at b[0] (the
// ATYP field), or 0 if it is complete. Unknown address types yield [ErrAddressTypeNotSupported].
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//	+------+----------+----------+
func AddressNeedMore(b []byte) (int, error) {
	if len(b) < 1 {
		return 1 - len(b), nil
	}
	var expected int
	switch b[0] {
	case AddrTypeIPv4:
		expected = 1 + 4 + 2
	case AddrTypeIPv6:
		expected = 1 + 16 + 2
	case AddrTypeDomainName:
		if len(b) < 2 {
			return 2 - len(b), nil
		}
		expected = 1 + 1 + int(b[1]) + 2
	default:
		return 0, fmt.Errorf("unknown address type %#x: %w", b[0], ErrAddressTypeNotSupported)
	}
	if len(b) < expected {
		return expected - len(b), nil
	}
	return 0, nil
}

// ParseAddress decodes the address at the start of b and returns it with its encoded length.
func ParseAddress(b []byte) (transport.Target, int, error) {
	need, err := AddressNeedMore(b)
	if err != nil {
		return transport.Target{}, 0, err
	}
	if need > 0 {
		return transport.Target{}, 0, &NeedMoreError{need}
	}
	switch b[0] {
	case AddrTypeIPv4:
		addr := netip.AddrFrom4([4]byte(b[1:5]))
		port := binary.BigEndian.Uint16(b[5:7])
		return transport.TargetFromAddrPort(netip.AddrPortFrom(addr, port)), 7, nil
	case AddrTypeIPv6:
		addr := netip.AddrFrom16([16]byte(b[1:17]))
		port := binary.BigEndian.Uint16(b[17:19])
		return transport.TargetFromAddrPort(netip.AddrPortFrom(addr, port)), 19, nil
	default:
		hostLen := int(b[1])
		if hostLen == 0 {
			return transport.Target{}, 0, fmt.Errorf("empty domain name: %w", ErrAddressTypeNotSupported)
		}
		host := string(b[2 : 2+hostLen])
		port := binary.BigEndian.Uint16(b[2+hostLen : 4+hostLen])
		return transport.TargetFromHost(host, port), 4 + hostLen, nil
	}
}

// AppendAddress adds the target to b in SOCKS5 format.
func AppendAddress(b []byte, target transport.Target) ([]byte, error) {
	switch target.Kind() {
	case transport.TargetResolved:
		if addr := target.Addr(); addr.Is4() {
			a := addr.As4()
			b = append(b, AddrTypeIPv4)
			b = append(b, a[:]...)
		} else {
			a := addr.As16()
			b = append(b, AddrTypeIPv6)
			b = append(b, a[:]...)
		}
	case transport.TargetUnresolved:
		host := target.Host()
		if len(host) > 255 {
			return nil, fmt.Errorf("domain name length = %v is over 255", len(host))
		}
		b = append(b, AddrTypeDomainName, byte(len(host)))
		b = append(b, host...)
	default:
		return nil, errors.New("empty target")
	}
	return binary.BigEndian.AppendUint16(b, target.Port()), nil
}

// RequestNeedMore returns how many bytes are missing from the request in b, or 0 if complete.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func RequestNeedMore(b []byte) (int, error) {
	if len(b) < 4 {
		return 4 - len(b), nil
	}
	return AddressNeedMore(b[3:])
}

// Request is a parsed SOCKS5 request.
type Request struct {
	Command byte
	Target  transport.Target
}

// ParseRequest decodes the request at the start of b and returns it with its encoded length.
// Commands other than CONNECT are decoded, then rejected with [ErrCommandNotSupported].
func ParseRequest(b []byte) (Request, int, error) {
	if len(b) > 0 && b[0] != Version {
		return Request{}, 0, fmt.Errorf("%w %d", ErrUnsupportedVersion, b[0])
	}
	if len(b) < 3 {
		return Request{}, 0, &NeedMoreError{4 - len(b)}
	}
	target, n, err := ParseAddress(b[3:])
	if err != nil {
		return Request{}, 0, err
	}
	req := Request{Command: b[1], Target: target}
	if req.Command != CmdConnect {
		return req, 3 + n, fmt.Errorf("command %d: %w", req.Command, ErrCommandNotSupported)
	}
	return req, 3 + n, nil
}

// AppendReply adds a reply with the given code and bound address to b. An invalid bound
// address is encoded as 0.0.0.0:0.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func AppendReply(b []byte, code ReplyCode, bound netip.AddrPort) []byte {
	if !bound.IsValid() {
		bound = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	b = append(b, Version, byte(code), 0)
	// Resolved targets never fail to encode.
	b, _ = AppendAddress(b, transport.TargetFromAddrPort(bound))
	return b
}

// ReadAddress reads one encoded address from r.
func ReadAddress(r io.Reader) (transport.Target, error) {
	// 1 address type + 1 address length + 255 (max domain name length) + 2 port
	var buffer [1 + 1 + 255 + 2]byte
	b := buffer[:0]
	for {
		need, err := AddressNeedMore(b)
		if err != nil {
			return transport.Target{}, err
		}
		if need == 0 {
			break
		}
		if _, err := io.ReadFull(r, buffer[len(b):len(b)+need]); err != nil {
			return transport.Target{}, fmt.Errorf("failed to read address: %w", err)
		}
		b = buffer[:len(b)+need]
	}
	target, _, err := ParseAddress(b)
	return target, err
}
