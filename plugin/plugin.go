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

// Package plugin launches SIP003 plugins: helper processes that sit between the proxy and the
// network and reshape its traffic.
//
// The plugin listens on the local address and forwards to the remote address. On the server the
// plugin owns the public port and the proxy moves to a free loopback port. On the client the proxy
// connects to the plugin instead of the server.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Environment variables of the SIP003 contract.
const (
	EnvRemoteHost    = "SS_REMOTE_HOST"
	EnvRemotePort    = "SS_REMOTE_PORT"
	EnvLocalHost     = "SS_LOCAL_HOST"
	EnvLocalPort     = "SS_LOCAL_PORT"
	EnvPluginOptions = "SS_PLUGIN_OPTIONS"
)

// stopGracePeriod is how long Stop waits after interrupting the plugin before killing it.
const stopGracePeriod = 5 * time.Second

// Plugin describes one plugin invocation.
type Plugin struct {
	// Path is the plugin command line. It is split on spaces, the first field is the executable.
	Path    string
	Options string

	RemoteHost string
	RemotePort uint16
	LocalHost  string
	LocalPort  uint16
}

// ForServer places the plugin on the public bind port and returns it. The proxy listens on
// p.LocalHost:p.LocalPort instead.
func ForServer(path, options string, bindPort uint16) (*Plugin, error) {
	port, err := FreePort()
	if err != nil {
		return nil, err
	}
	return &Plugin{
		Path:       path,
		Options:    options,
		RemoteHost: "0.0.0.0",
		RemotePort: bindPort,
		LocalHost:  "127.0.0.1",
		LocalPort:  port,
	}, nil
}

// ForClient puts the plugin in front of the server. The proxy connects to p.LocalHost:p.LocalPort
// instead.
func ForClient(path, options, serverHost string, serverPort uint16) (*Plugin, error) {
	port, err := FreePort()
	if err != nil {
		return nil, err
	}
	return &Plugin{
		Path:       path,
		Options:    options,
		RemoteHost: serverHost,
		RemotePort: serverPort,
		LocalHost:  "127.0.0.1",
		LocalPort:  port,
	}, nil
}

// LocalAddress is the address the proxy uses in place of the relocated one.
func (p *Plugin) LocalAddress() string {
	return net.JoinHostPort(p.LocalHost, strconv.Itoa(int(p.LocalPort)))
}

// Env returns the SIP003 variables, in KEY=value form.
func (p *Plugin) Env() []string {
	return []string{
		EnvRemoteHost + "=" + p.RemoteHost,
		EnvRemotePort + "=" + strconv.Itoa(int(p.RemotePort)),
		EnvLocalHost + "=" + p.LocalHost,
		EnvLocalPort + "=" + strconv.Itoa(int(p.LocalPort)),
		EnvPluginOptions + "=" + p.Options,
	}
}

// Process is a running plugin.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches the plugin. The plugin inherits the environment plus [Plugin.Env], and its output
// goes to logger. onExit, if not nil, runs once the process has exited, with the exit error.
func (p *Plugin) Start(ctx context.Context, logger *zap.Logger, onExit func(error)) (*Process, error) {
	args := strings.Fields(p.Path)
	if len(args) == 0 {
		return nil, errors.New("empty plugin command")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), p.Env()...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopGracePeriod

	pluginLogger := logger.With(zap.String("plugin", args[0]))
	stdout := &zapio.Writer{Log: pluginLogger, Level: zap.InfoLevel}
	stderr := &zapio.Writer{Log: pluginLogger, Level: zap.WarnLevel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start plugin %q: %w", args[0], err)
	}
	pluginLogger.Info("Started plugin",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("remote", net.JoinHostPort(p.RemoteHost, strconv.Itoa(int(p.RemotePort)))),
		zap.String("local", p.LocalAddress()),
	)

	proc := &Process{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		if err != nil && ctx.Err() == nil {
			pluginLogger.Error("Plugin exited", zap.Error(err))
		} else {
			pluginLogger.Info("Plugin exited")
		}
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
		if onExit != nil {
			onExit(err)
		}
	}()
	return proc, nil
}

// Done is closed once the plugin has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop interrupts the plugin, kills it if it does not exit in time, and waits for it.
func (p *Process) Stop() error {
	p.cancel()
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// FreePort returns a TCP port on the loopback interface that was free at the time of the call.
func FreePort() (uint16, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}
