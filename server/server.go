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

// Package server accepts client connections and runs one [session.Session] per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/protocol"
	"github.com/Jigsaw-Code/outline-ss-proxy/session"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// StageFactory creates the protocol stage of a new session.
type StageFactory func() (protocol.Stage, error)

// Config configures a [Server].
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string
	// MaxConnections caps the number of accepted connections being served. 0 means no limit.
	MaxConnections int
	// ProxyProtocol expects a PROXY protocol header on every accepted connection, and uses the
	// client address it carries.
	ProxyProtocol bool
	// TCPFastOpen enables TCP Fast Open on the listening socket, where the platform supports it.
	TCPFastOpen bool

	NewStage StageFactory
	Session  session.Config
	Logger   *zap.Logger
}

// Server owns the listener and the registry of live sessions.
type Server struct {
	cfg    Config
	logger *zap.Logger

	ln     net.Listener
	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session.Session
	closed   bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New returns a server for cfg. Call Start to begin listening.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Session.Logger = logger
	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[uint64]*session.Session),
	}
}

// String implements [fmt.Stringer].
func (s *Server) String() string {
	return fmt.Sprintf("%s server on %s", s.cfg.Session.Role, s.cfg.Addr)
}

// Start listens on the configured address and serves connections in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.NewStage == nil {
		return errors.New("missing stage factory")
	}
	lc := net.ListenConfig{Control: listenControl(s.cfg.TCPFastOpen)}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	if s.cfg.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 10 * time.Second}
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	s.logger.Info("Started listener", zap.Stringer("server", s), zap.Stringer("listenAddress", ln.Addr()))
	return nil
}

// Addr returns the listening address. It is only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	var tempDelay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				s.logger.Warn("Failed to accept connection", zap.Duration("retryIn", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			s.logger.Error("Failed to accept connection", zap.Stringer("server", s), zap.Error(err))
			return
		}
		tempDelay = 0
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	// The PROXY protocol header is read lazily, so building the session may block.
	go func() {
		defer s.wg.Done()
		stage, err := s.cfg.NewStage()
		if err != nil {
			s.logger.Error("Failed to create session stage", zap.Error(err))
			conn.Close()
			return
		}
		sess := session.New(s.nextID.Add(1), streamConn(conn), stage, &s.cfg.Session)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess.ID()] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
		}()
		sess.Serve(ctx)
	}()
}

// streamConn keeps half-close working for connections wrapped by the PROXY protocol listener.
func streamConn(conn net.Conn) transport.StreamConn {
	if sc, ok := conn.(transport.StreamConn); ok {
		return sc
	}
	if rc, ok := conn.(interface{ Raw() net.Conn }); ok {
		if tc, ok := rc.Raw().(*net.TCPConn); ok {
			return &proxiedConn{TCPConn: tc, conn: conn}
		}
	}
	return transport.AsStreamConn(conn)
}

// proxiedConn reads through the PROXY protocol connection, which strips the header and reports the
// original client address, and half-closes the raw socket.
type proxiedConn struct {
	*net.TCPConn
	conn net.Conn
}

func (c *proxiedConn) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

func (c *proxiedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *proxiedConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *proxiedConn) Close() error {
	return c.conn.Close()
}

// Sessions returns a snapshot of the live sessions, ordered by ID.
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	infos := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stop closes the listener and every live session, and waits for them to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
		s.cancel()
	}
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
	s.logger.Info("Stopped listener", zap.Stringer("server", s))
	return err
}
