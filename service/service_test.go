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

package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/config"
	"github.com/Jigsaw-Code/outline-ss-proxy/plugin"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/shadowsocks"
	"github.com/stretchr/testify/require"
	gosocks5 "github.com/things-go/go-socks5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/proxy"
)

const (
	testMethod   = "chacha20-ietf-poly1305"
	testPassword = "testPassword"
)

func startEchoServer(t testing.TB) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return listener
}

func freePort(t testing.TB) uint16 {
	port, err := plugin.FreePort()
	require.NoError(t, err)
	return port
}

func startManager(t testing.TB, role config.Role, cfg *config.Config) *Manager {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = freePort(t)
	}
	m, err := NewManager(role, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func startServer(t testing.TB, cfg *config.Config) *Manager {
	cfg.Method = testMethod
	cfg.Password = testPassword
	return startManager(t, config.RoleServer, cfg)
}

func clientConfig(server *Manager) *config.Config {
	return &config.Config{
		ServerAddress: "127.0.0.1",
		ServerPort:    uint16(server.ListenAddr().(*net.TCPAddr).Port),
		Method:        testMethod,
		Password:      testPassword,
	}
}

func expectEcho(t testing.TB, conn io.ReadWriter, payload []byte) {
	t.Helper()
	_, err := conn.Write(payload)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func dialThroughLocal(t testing.TB, local *Manager, target string) net.Conn {
	dialer, err := proxy.SOCKS5("tcp", local.ListenAddr().String(), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", target)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestManager_LocalAndServer(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, &config.Config{MetricsAddress: "127.0.0.1:0"})
	local := startManager(t, config.RoleLocal, clientConfig(server))

	conn := dialThroughLocal(t, local, echo.Addr().String())
	expectEcho(t, conn, []byte("hello through the proxy"))
	require.Len(t, server.Sessions(), 1)
	require.Len(t, local.Sessions(), 1)
	local.DumpSessions()

	metricsURL := "http://" + server.MetricsAddr().String() + "/metrics"
	require.Eventually(t, func() bool {
		resp, err := http.Get(metricsURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), `ssproxy_bytes_total{direction="upload",role="server"} 23`)
	}, 5*time.Second, 20*time.Millisecond)
	require.Nil(t, local.MetricsAddr())
}

func TestManager_ServerWithDialer(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, &config.Config{})
	factory, err := shadowsocks.NewContextFactory(testMethod, testPassword, shadowsocks.Options{})
	require.NoError(t, err)
	dialer, err := shadowsocks.NewStreamDialer(&transport.TCPEndpoint{Address: server.ListenAddr().String()}, factory)
	require.NoError(t, err)
	conn, err := dialer.DialStream(context.Background(), echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	expectEcho(t, conn, []byte("direct client"))
}

func TestManager_Tunnel(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, &config.Config{})
	cfg := clientConfig(server)
	cfg.ForwardAddress = echo.Addr().String()
	tunnel := startManager(t, config.RoleTunnel, cfg)

	conn, err := net.Dial("tcp", tunnel.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	expectEcho(t, conn, []byte("tunneled"))
}

func TestManager_PlainLocal(t *testing.T) {
	echo := startEchoServer(t)
	local := startManager(t, config.RoleLocal, &config.Config{Method: config.MethodNone})
	conn := dialThroughLocal(t, local, echo.Addr().String())
	expectEcho(t, conn, []byte("direct"))
}

func TestManager_UpstreamSOCKS5(t *testing.T) {
	echo := startEchoServer(t)
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()
	go gosocks5.NewServer(
		gosocks5.WithCredential(gosocks5.StaticCredentials{"user": "pass"}),
	).Serve(upstream)

	server := startServer(t, &config.Config{
		UpstreamSOCKS5:   upstream.Addr().String(),
		UpstreamUsername: "user",
		UpstreamPassword: "pass",
	})
	local := startManager(t, config.RoleLocal, clientConfig(server))
	conn := dialThroughLocal(t, local, echo.Addr().String())
	expectEcho(t, conn, []byte("via upstream"))
}

func TestManager_WrongPassword(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, &config.Config{})
	cfg := clientConfig(server)
	cfg.Password = "wrong"
	local := startManager(t, config.RoleLocal, cfg)

	dialer, err := proxy.SOCKS5("tcp", local.ListenAddr().String(), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("rejected"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestManager_PluginExit(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	script := filepath.Join(t.TempDir(), "plugin.sh")
	require.NoError(t, os.WriteFile(script, []byte("exit 3\n"), 0o700))

	bindPort := freePort(t)
	m := startServer(t, &config.Config{BindPort: bindPort, Plugin: sh + " " + script, PluginOpts: "obfs=http"})
	// The plugin owns the configured port, the proxy moves to a loopback port.
	listenAddr := m.ListenAddr().(*net.TCPAddr)
	require.NotEqual(t, int(bindPort), listenAddr.Port)
	require.Equal(t, "127.0.0.1", listenAddr.IP.String())

	select {
	case err := <-m.Fatal():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("plugin exit was not reported")
	}
}

func TestNewManager_Errors(t *testing.T) {
	_, err := NewManager(config.RoleLocal, &config.Config{Method: testMethod, Password: testPassword}, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = NewManager(config.RoleServer, &config.Config{
		Method:     "aes-128-gcm",
		Password:   testPassword,
		SaltPrefix: "0123456789abcdef",
	}, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = NewManager(config.RoleServer, &config.Config{
		Method:           testMethod,
		Password:         testPassword,
		UpstreamSOCKS5:   "127.0.0.1:1080",
		UpstreamPassword: "pass",
	}, zaptest.NewLogger(t))
	require.Error(t, err)
}
