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

// Package session implements the per-connection state machine: local handshake, target
// extraction, outbound connection, then a bidirectional relay through a [protocol.Stage].
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
	"github.com/Jigsaw-Code/outline-ss-proxy/internal/ddltimer"
	"github.com/Jigsaw-Code/outline-ss-proxy/protocol"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/socks5"
	"go.uber.org/zap"
)

// DefaultTimeout is the idle timeout used when [Config.Timeout] is zero.
const DefaultTimeout = 60 * time.Second

// Resolver maps a hostname to addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// Metrics receives session events. All methods must be safe for concurrent use.
type Metrics interface {
	SessionOpened()
	SessionClosed(reason string, age time.Duration)
	AddBytes(direction string, n int64)
	AuthenticationFailed()
	Rejected(code socks5.ReplyCode)
}

// Config is shared by every session of a server.
type Config struct {
	Role Role
	// Timeout is the idle timeout of each peer, and the timeout of the outbound connect.
	// Negative disables it.
	Timeout time.Duration
	// Dialer makes the outbound connection. Defaults to [transport.TCPDialer].
	Dialer transport.StreamDialer
	// Resolver resolves hostname targets. If nil, hostnames go to Dialer unresolved.
	Resolver Resolver
	Logger   *zap.Logger
	Metrics  Metrics
}

func (c *Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// peer is one side of a session. Every successful read or write touches its idle timer.
type peer struct {
	conn  transport.StreamConn
	buf   *buffer.Buffer
	timer *ddltimer.IdleTimer
	read  atomic.Int64
}

func (p *peer) Read(b []byte) (int, error) {
	n, err := p.conn.Read(b)
	if n > 0 {
		p.timer.Touch()
		p.read.Add(int64(n))
	}
	return n, err
}

func (p *peer) Write(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	if n > 0 {
		p.timer.Touch()
	}
	return n, err
}

// Session relays one accepted connection.
type Session struct {
	id      uint64
	cfg     *Config
	stage   protocol.Stage
	logger  *zap.Logger
	created time.Time

	local  peer
	remote peer
	state  atomic.Int32

	mu     sync.Mutex
	target transport.Target

	closeOnce sync.Once
	reason    string
	done      chan struct{}
}

// New creates a session for an accepted connection. It does not start any I/O.
func New(id uint64, conn transport.StreamConn, stage protocol.Stage, cfg *Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		id:      id,
		cfg:     cfg,
		stage:   stage,
		created: time.Now(),
		done:    make(chan struct{}),
		logger: logger.With(
			zap.Uint64("session", id),
			zap.Stringer("client", conn.RemoteAddr()),
		),
	}
	s.local = peer{conn: conn, buf: buffer.New(0), timer: ddltimer.New(cfg.timeout())}
	// The remote timer is armed once the remote connection exists.
	s.remote = peer{buf: buffer.New(0), timer: ddltimer.New(cfg.timeout())}
	s.remote.timer.Stop()
	if cfg.Role == RoleLocal {
		s.state.Store(int32(AwaitingHandshake))
	} else {
		s.state.Store(int32(AwaitingTarget))
	}
	return s
}

// ID returns the identifier given to [New].
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// setState moves to st unless the session is already closed.
func (s *Session) setState(st State) {
	for {
		old := s.state.Load()
		if State(old) == Closed {
			return
		}
		if s.state.CompareAndSwap(old, int32(st)) {
			s.logger.Debug("State changed", zap.Stringer("state", st))
			return
		}
	}
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info is a snapshot of a session.
type Info struct {
	ID     uint64
	Client string
	Target string
	State  State
	Age    time.Duration
	// Uploaded counts bytes read from the local peer, Downloaded bytes read from the remote peer.
	Uploaded   int64
	Downloaded int64
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	info := Info{
		ID:         s.id,
		Client:     s.local.conn.RemoteAddr().String(),
		State:      s.State(),
		Age:        time.Since(s.created),
		Uploaded:   s.local.read.Load(),
		Downloaded: s.remote.read.Load(),
	}
	if !target.IsEmpty() {
		info.Target = target.String()
	}
	return info
}

// Close tears the session down. Closing the sockets cancels every pending operation.
func (s *Session) Close() {
	s.closeWithReason(ReasonShutdown)
}

func (s *Session) closeWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.state.Store(int32(Closed))
		remote := s.remote.conn
		s.mu.Unlock()

		s.local.timer.Stop()
		s.remote.timer.Stop()
		s.local.conn.Close()
		if remote != nil {
			remote.Close()
		}
		close(s.done)
	})
}

// watch closes the session when either peer idles out or ctx is cancelled.
func (s *Session) watch(ctx context.Context) {
	select {
	case <-s.local.timer.Expired():
		s.closeWithReason(ReasonTimeout)
	case <-s.remote.timer.Expired():
		s.closeWithReason(ReasonTimeout)
	case <-ctx.Done():
		s.closeWithReason(ReasonShutdown)
	case <-s.done:
	}
}

// Serve runs the session to completion and closes it. The returned error is nil when the session
// ended with a clean EOF.
func (s *Session) Serve(ctx context.Context) error {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionOpened()
	}
	go s.watch(ctx)
	err := s.serve(ctx)
	reason := s.classify(err)
	s.closeWithReason(reason)

	s.mu.Lock()
	reason = s.reason
	s.mu.Unlock()
	age := time.Since(s.created)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionClosed(reason, age)
	}
	s.log(reason, err, age)
	if reason == ReasonEOF {
		return nil
	}
	return err
}

func (s *Session) serve(ctx context.Context) error {
	switch s.cfg.Role {
	case RoleLocal:
		if err := s.handshake(); err != nil {
			return err
		}
		if err := s.readRequest(); err != nil {
			return err
		}
	case RoleServer:
		if err := s.stage.Initialize(&s.local, s.local.buf); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.target = s.stage.Destination()
	s.mu.Unlock()
	s.logger.Debug("Target parsed", zap.Stringer("target", s.stage.Destination()))

	s.setState(Connecting)
	conn, err := s.connect(ctx)
	if err != nil {
		if s.cfg.Role == RoleLocal {
			s.reply(replyCodeFor(err), netip.AddrPort{})
		}
		return err
	}
	s.mu.Lock()
	closed := s.State() == Closed
	if !closed {
		s.remote.conn = conn
	}
	s.mu.Unlock()
	if closed {
		conn.Close()
		return net.ErrClosed
	}
	s.remote.timer.Touch()

	if s.cfg.Role == RoleLocal {
		if err := s.reply(socks5.Succeeded, addrPortOf(conn.LocalAddr())); err != nil {
			return err
		}
	}
	if s.cfg.Role != RoleServer {
		if err := s.stage.Initialize(&s.remote, s.local.buf); err != nil {
			return err
		}
	}
	// Whatever Initialize left behind is ready for the remote peer as is.
	if s.local.buf.Len() > 0 {
		n, err := s.remote.Write(s.local.buf.Bytes())
		if err != nil {
			return err
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AddBytes(directionUpload, int64(n))
		}
		s.local.buf.Reset()
	}
	return s.relay()
}

// handshake negotiates the SOCKS5 method. Only NO AUTHENTICATION REQUIRED is accepted.
func (s *Session) handshake() error {
	buf := s.local.buf
	for {
		methods, n, err := socks5.ParseMethodSelection(buf.Bytes())
		var needMore *socks5.NeedMoreError
		if errors.As(err, &needMore) {
			if _, err := buf.ReadAtLeast(&s.local, needMore.N); err != nil {
				return fmt.Errorf("failed to read method selection: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		buf.ConsumeFront(n)
		method := socks5.SelectMethod(methods)
		if _, err := s.local.Write([]byte{socks5.Version, method}); err != nil {
			return fmt.Errorf("failed to write method selection: %w", err)
		}
		if method == socks5.MethodNoAcceptable {
			return ErrNoAcceptableMethod
		}
		s.setState(AwaitingTarget)
		return nil
	}
}

// readRequest parses the SOCKS5 request into the stage.
func (s *Session) readRequest() error {
	buf := s.local.buf
	for {
		n, err := s.stage.ParseHeader(buf.Bytes(), protocol.RequestPrefixLen)
		if errors.Is(err, protocol.ErrNeedMore) {
			var needMore *socks5.NeedMoreError
			errors.As(err, &needMore)
			if _, err := buf.ReadAtLeast(&s.local, needMore.N); err != nil {
				return fmt.Errorf("failed to read request: %w", err)
			}
			continue
		}
		if err != nil {
			var code socks5.ReplyCode
			if errors.As(err, &code) {
				s.reply(code, netip.AddrPort{})
			}
			return err
		}
		buf.ConsumeFront(n)
		return nil
	}
}

// reply writes a SOCKS5 reply to the local peer.
func (s *Session) reply(code socks5.ReplyCode, bound netip.AddrPort) error {
	if code != socks5.Succeeded && s.cfg.Metrics != nil {
		s.cfg.Metrics.Rejected(code)
	}
	if _, err := s.local.Write(socks5.AppendReply(nil, code, bound)); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

// ErrNoAcceptableMethod is returned when a SOCKS5 client offers no method the session supports.
var ErrNoAcceptableMethod = errors.New("no acceptable authentication method")

// RejectedError is returned when the session refused a request.
type RejectedError struct {
	Code socks5.ReplyCode
	Err  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected with %v: %v", e.Code, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// connect resolves the stage target if needed and dials it. Errors are [*RejectedError] values
// with the SOCKS5 reply code that describes them.
func (s *Session) connect(ctx context.Context) (transport.StreamConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := ctx.Done()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-done:
		}
	}()
	if t := s.cfg.timeout(); t > 0 {
		var cancelDial context.CancelFunc
		ctx, cancelDial = context.WithTimeout(ctx, t)
		defer cancelDial()
	}
	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{}
	}
	target := s.stage.Target()
	if target.IsEmpty() {
		return nil, &RejectedError{Code: socks5.ErrGeneralServerFailure, Err: errors.New("no target")}
	}
	if !target.NeedsResolution() || s.cfg.Resolver == nil {
		conn, err := dialer.DialStream(ctx, target.String())
		if err != nil {
			return nil, &RejectedError{Code: dialReplyCode(err), Err: err}
		}
		return conn, nil
	}

	addrs, err := s.cfg.Resolver.LookupNetIP(ctx, target.Host())
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses for %v", target.Host())
	}
	if err != nil {
		return nil, &RejectedError{Code: socks5.ErrHostUnreachable, Err: err}
	}
	// Try the addresses in order, like a plain connect over a resolved endpoint list.
	var dialErr error
	for _, addr := range addrs {
		conn, err := dialer.DialStream(ctx, target.WithAddr(addr).String())
		if err == nil {
			return conn, nil
		}
		s.logger.Debug("Connect failed", zap.Stringer("addr", addr), zap.Error(err))
		dialErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &RejectedError{Code: dialReplyCode(dialErr), Err: dialErr}
}

func dialReplyCode(err error) socks5.ReplyCode {
	var code socks5.ReplyCode
	var netErr net.Error
	switch {
	case errors.As(err, &code):
		return code
	case transport.IsConnectionRefused(err):
		return socks5.ErrConnectionRefused
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return socks5.ErrTTLExpired
	default:
		return socks5.ErrNetworkUnreachable
	}
}

func replyCodeFor(err error) socks5.ReplyCode {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Code
	}
	return socks5.ErrGeneralServerFailure
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}

// relay copies both directions until either side ends, then closes the session.
func (s *Session) relay() error {
	s.setState(Relaying)
	forward, backward := s.stage.Wrap, s.stage.UnWrap
	if s.cfg.Role == RoleServer {
		forward, backward = s.stage.UnWrap, s.stage.Wrap
	}
	errc := make(chan error, 2)
	go func() { errc <- s.pipe(&s.local, &s.remote, forward, directionUpload) }()
	go func() { errc <- s.pipe(&s.remote, &s.local, backward, directionDownload) }()
	err := <-errc
	s.closeWithReason(s.classify(err))
	<-errc
	return err
}

// pipe reads from src, transforms and writes to dst until an error. Exactly one goroutine reads
// src and writes dst.
func (s *Session) pipe(src, dst *peer, transform func(*buffer.Buffer) (int, error), direction string) error {
	buf := src.buf
	for {
		buf.Reset()
		_, readErr := buf.ReadOnce(src)
		if buf.Len() > 0 {
			n, err := transform(buf)
			if err != nil {
				return err
			}
			if n > 0 {
				if _, err := dst.Write(buf.Bytes()[:n]); err != nil {
					return err
				}
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.AddBytes(direction, int64(n))
				}
			}
		}
		if readErr != nil {
			return readErr
		}
	}
}

// classify maps the error that ended the session to a close reason.
func (s *Session) classify(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return ReasonEOF
	case errors.Is(err, shadowsocks.ErrAuthentication), errors.Is(err, shadowsocks.ErrRepeatedSalt):
		return ReasonAuth
	case errors.As(err, &rejected), errors.Is(err, ErrNoAcceptableMethod), errors.Is(err, socks5.ErrCommandNotSupported),
		errors.Is(err, socks5.ErrAddressTypeNotSupported), errors.Is(err, socks5.ErrUnsupportedVersion):
		return ReasonRejected
	default:
		return ReasonError
	}
}

func (s *Session) log(reason string, err error, age time.Duration) {
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Duration("age", age),
		zap.Int64("uploaded", s.local.read.Load()),
		zap.Int64("downloaded", s.remote.read.Load()),
	}
	if target := s.stage.Destination(); !target.IsEmpty() {
		fields = append(fields, zap.Stringer("target", target))
	}
	switch {
	case errors.Is(err, shadowsocks.ErrInvariant):
		s.logger.Error("Session failed", append(fields, zap.Error(err), zap.Stack("stack"))...)
	case reason == ReasonAuth:
		s.cfg.authFailed()
		s.logger.Warn("Authentication failed", append(fields, zap.Error(err))...)
	case reason == ReasonEOF, reason == ReasonTimeout, reason == ReasonShutdown:
		s.logger.Debug("Session closed", fields...)
	default:
		s.logger.Info("Session closed", append(fields, zap.Error(err))...)
	}
}

func (c *Config) authFailed() {
	if c.Metrics != nil {
		c.Metrics.AuthenticationFailed()
	}
}

// String implements [fmt.Stringer] for logging.
func (i Info) String() string {
	target := i.Target
	if target == "" {
		target = "-"
	}
	return "#" + strconv.FormatUint(i.ID, 10) + " " + i.Client + " -> " + target + " " + i.State.String() +
		" age=" + i.Age.Truncate(time.Millisecond).String() +
		" up=" + strconv.FormatInt(i.Uploaded, 10) + " down=" + strconv.FormatInt(i.Downloaded, 10)
}
