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

// Package service assembles a proxy process from its configuration: the listener, the outbound
// dialer, the resolver, the metrics endpoint and the optional plugin.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/config"
	"github.com/Jigsaw-Code/outline-ss-proxy/dns"
	"github.com/Jigsaw-Code/outline-ss-proxy/metrics"
	"github.com/Jigsaw-Code/outline-ss-proxy/plugin"
	"github.com/Jigsaw-Code/outline-ss-proxy/protocol"
	"github.com/Jigsaw-Code/outline-ss-proxy/server"
	"github.com/Jigsaw-Code/outline-ss-proxy/session"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/socks5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Replay filter sizing: about a million salts with a one-in-a-million false positive rate.
const (
	saltFilterCapacity          = 1e6
	saltFilterFalsePositiveRate = 1e-6
)

const metricsShutdownTimeout = 5 * time.Second

// Manager runs the services of one proxy process.
type Manager struct {
	role   config.Role
	cfg    *config.Config
	logger *zap.Logger

	server *server.Server

	metricsServer *http.Server
	metricsLn     net.Listener

	plugin     *plugin.Plugin
	pluginProc *plugin.Process

	fatal    chan error
	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager checks cfg for role and builds every service. Nothing is started yet.
func NewManager(role config.Role, cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if err := cfg.CheckAndApplyDefaults(role); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	m := &Manager{
		role:   role,
		cfg:    cfg,
		logger: logger,
		fatal:  make(chan error, 1),
		stop:   make(chan struct{}),
	}

	listenAddr := cfg.BindAddrPort()
	serverTarget := transport.TargetFromHost(cfg.ServerAddress, cfg.ServerPort)
	if cfg.Plugin != "" {
		var err error
		switch role {
		case config.RoleServer:
			m.plugin, err = plugin.ForServer(cfg.Plugin, cfg.PluginOpts, cfg.BindPort)
			if err == nil {
				listenAddr = m.plugin.LocalAddress()
			}
		default:
			m.plugin, err = plugin.ForClient(cfg.Plugin, cfg.PluginOpts, cfg.ServerAddress, cfg.ServerPort)
			if err == nil {
				serverTarget = transport.TargetFromHost(m.plugin.LocalHost, m.plugin.LocalPort)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	newStage, err := newStageFactory(role, cfg, serverTarget)
	if err != nil {
		return nil, err
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	mode, err := dns.ParseMode(cfg.ResolveMode)
	if err != nil {
		return nil, err
	}
	resolver, err := dns.NewResolver(dns.Config{
		Servers:  cfg.DNSServers,
		Mode:     mode,
		CacheTTL: time.Duration(cfg.DNSCacheTTL),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	sessionCfg := session.Config{
		Role:     sessionRole(role),
		Timeout:  time.Duration(cfg.Timeout),
		Dialer:   dialer,
		Resolver: resolver,
	}
	if cfg.MetricsAddress != "" {
		collector := metrics.New(string(role))
		sessionCfg.Metrics = collector
		m.metricsServer = metrics.NewServer(cfg.MetricsAddress, collector)
	}
	m.server = server.New(server.Config{
		Addr:           listenAddr,
		MaxConnections: cfg.MaxConnections,
		ProxyProtocol:  cfg.ProxyProtocol,
		TCPFastOpen:    cfg.TCPFastOpen,
		NewStage:       newStage,
		Session:        sessionCfg,
		Logger:         logger,
	})
	return m, nil
}

func sessionRole(role config.Role) session.Role {
	switch role {
	case config.RoleServer:
		return session.RoleServer
	case config.RoleTunnel:
		return session.RoleTunnel
	default:
		return session.RoleLocal
	}
}

// newStageFactory returns the constructor of the per-session protocol stage for role.
func newStageFactory(role config.Role, cfg *config.Config, serverTarget transport.Target) (server.StageFactory, error) {
	if cfg.Method == config.MethodNone {
		return func() (protocol.Stage, error) { return protocol.NewPassThrough(), nil }, nil
	}
	var opts shadowsocks.Options
	if cfg.SaltPrefix != "" {
		opts.SaltGenerator = shadowsocks.NewPrefixSaltGenerator([]byte(cfg.SaltPrefix))
	}
	if *cfg.ReplayProtection {
		opts.Filter = shadowsocks.NewSaltFilter(saltFilterCapacity, saltFilterFalsePositiveRate)
	}
	factory, err := shadowsocks.NewContextFactory(cfg.Method, cfg.Password, opts)
	if err != nil {
		return nil, err
	}
	if cfg.SaltPrefix != "" && len(cfg.SaltPrefix) >= factory.Key().SaltSize() {
		return nil, fmt.Errorf("salt prefix must be shorter than the %d-byte salt", factory.Key().SaltSize())
	}

	switch role {
	case config.RoleServer:
		return func() (protocol.Stage, error) {
			return protocol.NewShadowsocksServer(factory.NewContext()), nil
		}, nil
	case config.RoleTunnel:
		forward, err := transport.ParseTarget(cfg.ForwardAddress)
		if err != nil {
			return nil, err
		}
		return func() (protocol.Stage, error) {
			return protocol.NewShadowsocksTunnel(serverTarget, forward, factory.NewContext())
		}, nil
	default:
		return func() (protocol.Stage, error) {
			return protocol.NewShadowsocksClient(serverTarget, factory.NewContext()), nil
		}, nil
	}
}

// newDialer returns the dialer of outbound connections: direct TCP, or an upstream SOCKS5 proxy.
func newDialer(cfg *config.Config) (transport.StreamDialer, error) {
	if cfg.UpstreamSOCKS5 == "" {
		return &transport.TCPDialer{}, nil
	}
	dialer, err := socks5.NewStreamDialer(&transport.TCPEndpoint{Address: cfg.UpstreamSOCKS5})
	if err != nil {
		return nil, err
	}
	if cfg.UpstreamUsername != "" || cfg.UpstreamPassword != "" {
		if err := dialer.SetCredentials([]byte(cfg.UpstreamUsername), []byte(cfg.UpstreamPassword)); err != nil {
			return nil, fmt.Errorf("invalid upstream SOCKS5 credentials: %w", err)
		}
	}
	return dialer, nil
}

// Start starts all services. If any of them fails, the ones already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.server.Start(gctx)
	})
	if m.metricsServer != nil {
		g.Go(func() error {
			var lc net.ListenConfig
			ln, err := lc.Listen(gctx, "tcp", m.metricsServer.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen for metrics: %w", err)
			}
			m.metricsLn = ln
			go func() {
				if err := m.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					m.logger.Error("Metrics server failed", zap.Error(err))
				}
			}()
			m.logger.Info("Serving metrics", zap.Stringer("address", ln.Addr()))
			return nil
		})
	}
	if m.plugin != nil {
		g.Go(func() error {
			proc, err := m.plugin.Start(context.Background(), m.logger, m.pluginExited)
			if err != nil {
				return err
			}
			m.pluginProc = proc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.Stop()
		return err
	}
	go m.handleDumpSignal()
	return nil
}

// pluginExited turns an exit of the plugin that Stop did not ask for into a fatal error.
func (m *Manager) pluginExited(err error) {
	select {
	case <-m.stop:
		return
	default:
	}
	if err == nil {
		err = errors.New("plugin exited")
	}
	select {
	case m.fatal <- fmt.Errorf("%w, stopping", err):
	default:
	}
}

// Fatal receives an error when a service fails and the process should exit.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// ListenAddr returns the address of the proxy listener. It is only valid after Start.
func (m *Manager) ListenAddr() net.Addr {
	return m.server.Addr()
}

// MetricsAddr returns the address of the metrics endpoint, or nil if metrics are disabled.
func (m *Manager) MetricsAddr() net.Addr {
	if m.metricsLn == nil {
		return nil
	}
	return m.metricsLn.Addr()
}

// Sessions returns a snapshot of the live sessions.
func (m *Manager) Sessions() []session.Info {
	return m.server.Sessions()
}

// DumpSessions logs every live session.
func (m *Manager) DumpSessions() {
	infos := m.server.Sessions()
	m.logger.Info("Live sessions", zap.Int("count", len(infos)))
	for _, info := range infos {
		m.logger.Info("Session",
			zap.Uint64("session", info.ID),
			zap.String("client", info.Client),
			zap.String("target", info.Target),
			zap.Stringer("state", info.State),
			zap.Duration("age", info.Age),
			zap.Int64("uploaded", info.Uploaded),
			zap.Int64("downloaded", info.Downloaded),
		)
	}
}

// Stop stops all running services.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		var g errgroup.Group
		g.Go(func() error {
			if err := m.server.Stop(); err != nil {
				m.logger.Warn("Failed to stop service", zap.Stringer("service", m.server), zap.Error(err))
			}
			return nil
		})
		if m.metricsLn != nil {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
				defer cancel()
				if err := m.metricsServer.Shutdown(ctx); err != nil {
					m.logger.Warn("Failed to stop metrics server", zap.Error(err))
				}
				return nil
			})
		}
		if m.pluginProc != nil {
			g.Go(func() error {
				m.pluginProc.Stop()
				return nil
			})
		}
		g.Wait()
		m.logger.Info("Stopped services", zap.String("role", string(m.role)))
	})
}
