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

package dns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"

	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"golang.org/x/net/dns/dnsmessage"
)

var (
	ErrBadRequest  = errors.New("request input is invalid")
	ErrDial        = errors.New("dial DNS server failed")
	ErrSend        = errors.New("send DNS message failed")
	ErrReceive     = errors.New("receive DNS message failed")
	ErrBadResponse = errors.New("response message is invalid")
)

// nestedError allows us to use errors.Is and still preserve the error cause.
// This is unlike fmt.Errorf, which creates a new error and preserves the cause,
// but you can't specify the type of the resulting top-level error.
type nestedError struct {
	is      error
	wrapped error
}

func (e *nestedError) Is(target error) bool { return target == e.is }

func (e *nestedError) Unwrap() error { return e.wrapped }

func (e *nestedError) Error() string { return e.is.Error() + ": " + e.wrapped.Error() }

// Querier performs a single DNS transaction, obtaining the response for a question.
type Querier interface {
	Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)
}

// FuncQuerier is a [Querier] that uses the given function for the transaction.
type FuncQuerier func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)

// Query implements the [Querier] interface.
func (f FuncQuerier) Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	return f(ctx, q)
}

// NewQuestion is a convenience function to create a [dnsmessage.Question].
// The input domain is interpreted as fully-qualified. If the end "." is missing, it's added.
func NewQuestion(domain string, qtype dnsmessage.Type) (*dnsmessage.Question, error) {
	fullDomain := domain
	if len(domain) == 0 || domain[len(domain)-1] != '.' {
		fullDomain += "."
	}
	name, err := dnsmessage.NewName(fullDomain)
	if err != nil {
		return nil, fmt.Errorf("cannot parse domain name: %w", err)
	}
	return &dnsmessage.Question{
		Name:  name,
		Type:  qtype,
		Class: dnsmessage.ClassINET,
	}, nil
}

// Maximum UDP message size that we support.
// The value is taken from https://dnsflagday.net/2020/.
const maxUDPMessageSize = 1232

// appendRequest appends the bytes of a DNS request using the id and question to buf.
func appendRequest(id uint16, q dnsmessage.Question, buf []byte) ([]byte, error) {
	b := dnsmessage.NewBuilder(buf, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, fmt.Errorf("start questions failed: %w", err)
	}
	if err := b.Question(q); err != nil {
		return nil, fmt.Errorf("add question failed: %w", err)
	}
	if err := b.StartAdditionals(); err != nil {
		return nil, fmt.Errorf("start additionals failed: %w", err)
	}

	var rh dnsmessage.ResourceHeader
	// Set the maximum payload size we support, as per https://datatracker.ietf.org/doc/html/rfc6891#section-4.3
	if err := rh.SetEDNS0(maxUDPMessageSize, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, fmt.Errorf("set EDNS(0) failed: %w", err)
	}
	if err := b.OPTResource(rh, dnsmessage.OPTResource{}); err != nil {
		return nil, fmt.Errorf("add OPT RR failed: %w", err)
	}

	buf, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("message serialization failed: %w", err)
	}
	return buf, nil
}

// foldCase returns the uppercase of an ASCII letter and leaves any other byte alone.
func foldCase(char byte) byte {
	if 'a' <= char && char <= 'z' {
		return char - 'a' + 'A'
	}
	return char
}

// equalASCIIName compares names case-insensitively, like the standard library resolver.
func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		if foldCase(x.Data[i]) != foldCase(y.Data[i]) {
			return false
		}
	}
	return true
}

func checkResponse(reqID uint16, reqQues dnsmessage.Question, respHdr dnsmessage.Header, respQs []dnsmessage.Question) error {
	if !respHdr.Response {
		return errors.New("response bit not set")
	}
	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.3
	if reqID != respHdr.ID {
		return fmt.Errorf("message id does not match. Expected %v, got %v", reqID, respHdr.ID)
	}
	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.2
	if len(respQs) == 0 {
		return errors.New("no questions in response")
	}
	respQ := respQs[0]
	if reqQues.Type != respQ.Type || reqQues.Class != respQ.Class || !equalASCIIName(reqQues.Name, respQ.Name) {
		return errors.New("response question doesn't match request")
	}
	return nil
}

// queryDatagram implements a DNS query over a datagram protocol. Responses that fail to parse or
// do not match the request are skipped, as they may be spoofed.
func queryDatagram(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 0, maxUDPMessageSize))
	if err != nil {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("append request failed: %w", err)}
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, &nestedError{ErrSend, err}
	}
	buf = buf[:cap(buf)]
	var returnErr error
	for {
		n, err := conn.Read(buf)
		// Handle bytes before the error, as per https://pkg.go.dev/io#Reader.
		if n > 0 {
			var msg dnsmessage.Message
			if err := msg.Unpack(buf[:n]); err != nil {
				returnErr = errors.Join(returnErr, err)
				continue
			}
			if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
				returnErr = errors.Join(returnErr, err)
				continue
			}
			return &msg, nil
		}
		if err != nil {
			return nil, &nestedError{ErrReceive, errors.Join(returnErr, fmt.Errorf("read message failed: %w", err))}
		}
	}
}

// queryStream implements a DNS query over a stream protocol. It frames the messages by prepending
// them with a 2-byte length prefix.
func queryStream(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 2, 514))
	if err != nil {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("append request failed: %w", err)}
	}
	if len(buf)-2 > 65535 {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("message too large: %v bytes", len(buf)-2)}
	}
	binary.BigEndian.PutUint16(buf[:2], uint16(len(buf)-2))
	if _, err := conn.Write(buf); err != nil {
		return nil, &nestedError{ErrSend, err}
	}

	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, &nestedError{ErrReceive, fmt.Errorf("read message length failed: %w", err)}
	}
	if int(msgLen) <= cap(buf) {
		buf = buf[:msgLen]
	} else {
		buf = make([]byte, msgLen)
	}
	if _, err = io.ReadFull(conn, buf); err != nil {
		return nil, &nestedError{ErrReceive, fmt.Errorf("read message failed: %w", err)}
	}

	var msg dnsmessage.Message
	if err = msg.Unpack(buf); err != nil {
		return nil, &nestedError{ErrBadResponse, fmt.Errorf("message unpack failed: %w", err)}
	}
	if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
		return nil, &nestedError{ErrBadResponse, err}
	}
	return &msg, nil
}

func ensurePort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// Failed to parse as host:port. Assume address is a host.
		return net.JoinHostPort(address, defaultPort)
	}
	if port == "" {
		return net.JoinHostPort(host, defaultPort)
	}
	return address
}

// NewUDPQuerier creates a [Querier] that implements the DNS-over-UDP protocol, using a
// [transport.PacketDialer] for transport. It uses a different port for every request.
//
// [DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
func NewUDPQuerier(pd transport.PacketDialer, serverAddr string) Querier {
	serverAddr = ensurePort(serverAddr, "53")
	return FuncQuerier(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := pd.DialPacket(ctx, serverAddr)
		if err != nil {
			return nil, &nestedError{ErrDial, err}
		}
		defer conn.Close()
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		return queryDatagram(conn, q)
	})
}

type streamQuerier struct {
	dialer transport.StreamDialer
	addr   string
	tls    *tls.Config
}

func (r *streamQuerier) Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	conn, err := r.dialer.DialStream(ctx, r.addr)
	if err != nil {
		return nil, &nestedError{ErrDial, err}
	}
	var rw net.Conn = conn
	if r.tls != nil {
		rw = tls.Client(conn, r.tls)
	}
	defer rw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		rw.SetDeadline(deadline)
	}
	return queryStream(rw, q)
}

// NewTCPQuerier creates a [Querier] that implements the [DNS-over-TCP] protocol, using a
// [transport.StreamDialer] for transport. It creates a new connection to the server for every
// request.
//
// [DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.2
func NewTCPQuerier(sd transport.StreamDialer, serverAddr string) Querier {
	return &streamQuerier{dialer: sd, addr: ensurePort(serverAddr, "53")}
}

// NewTLSQuerier creates a [Querier] that implements the [DNS-over-TLS] protocol, connecting to
// serverAddr and verifying the certificate for serverName.
//
// [DNS-over-TLS]: https://datatracker.ietf.org/doc/html/rfc7858
func NewTLSQuerier(sd transport.StreamDialer, serverAddr string, serverName string) Querier {
	return &streamQuerier{dialer: sd, addr: ensurePort(serverAddr, "853"), tls: &tls.Config{ServerName: serverName}}
}

// NewTruncationFallbackQuerier queries udp first and repeats the query over tcp when the answer
// came back truncated.
func NewTruncationFallbackQuerier(udp, tcp Querier) Querier {
	return FuncQuerier(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		msg, err := udp.Query(ctx, q)
		if err != nil || !msg.Header.Truncated {
			return msg, err
		}
		return tcp.Query(ctx, q)
	})
}

// NewSequentialQuerier tries each querier in order until one of them returns a response.
func NewSequentialQuerier(queriers ...Querier) Querier {
	return FuncQuerier(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		var errs error
		for _, querier := range queriers {
			msg, err := querier.Query(ctx, q)
			if err == nil {
				return msg, nil
			}
			errs = errors.Join(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		if errs == nil {
			return nil, errors.New("no DNS servers")
		}
		return nil, errs
	})
}
