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

// Package cli is the command-line front end shared by the proxy commands.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Jigsaw-Code/outline-ss-proxy/config"
	"github.com/Jigsaw-Code/outline-ss-proxy/logging"
	"github.com/Jigsaw-Code/outline-ss-proxy/service"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/shadowsocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type flags struct {
	confPath string
	testConf bool
	zapConf  string
	logLevel zapcore.Level

	bindAddress    string
	bindPort       uint
	serverAddress  string
	serverPort     uint
	method         string
	password       string
	timeout        config.Duration
	forwardAddress string
	dnsServers     string
	resolveMode    string
	plugin         string
	pluginOpts     string
	metrics        string
}

func newFlagSet(name string, role config.Role, f *flags, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.confPath, "c", "", "Path to the configuration file (.json, .yaml, .yml or .toml)")
	fs.BoolVar(&f.testConf, "testConf", false, "Test the configuration without starting the services")
	fs.StringVar(&f.zapConf, "zapConf", "", "Preset name or path to JSON configuration file for building the zap logger.\nAvailable presets: console (default), console-nocolor, console-notime, systemd, production, development")
	fs.TextVar(&f.logLevel, "logLevel", zapcore.InvalidLevel, "Override the logger configuration's log level.\nAvailable levels: debug, info, warn, error, dpanic, panic, fatal")

	fs.StringVar(&f.bindAddress, "b", config.DefaultBindAddress, "Bind address")
	fs.UintVar(&f.bindPort, "l", config.DefaultBindPort, "Port to listen on")
	if role != config.RoleServer {
		fs.StringVar(&f.serverAddress, "s", "", "Server address")
		fs.UintVar(&f.serverPort, "p", config.DefaultServerPort, "Server port")
	}
	fs.StringVar(&f.method, "m", "", "Cipher method: "+strings.Join(shadowsocks.CipherNames(), ", "))
	fs.StringVar(&f.password, "k", "", "Password")
	fs.TextVar(&f.timeout, "t", config.DefaultTimeout, "Idle timeout, in seconds or as a duration")
	if role == config.RoleTunnel {
		fs.StringVar(&f.forwardAddress, "f", "", "host:port every connection is forwarded to")
	}
	fs.StringVar(&f.dnsServers, "dns", "", "Comma-separated DNS servers. Empty uses the system resolver")
	fs.StringVar(&f.resolveMode, "resolve-mode", "", "ipv4_first (default), ipv6_first, ipv4_only or ipv6_only")
	fs.StringVar(&f.plugin, "plugin", "", "SIP003 plugin command")
	fs.StringVar(&f.pluginOpts, "plugin-opts", "", "SIP003 plugin options")
	fs.StringVar(&f.metrics, "metrics", "", "host:port to serve Prometheus metrics on")
	return fs
}

// apply copies the flags given on the command line over cfg.
func (f *flags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "b":
			cfg.BindAddress = f.bindAddress
		case "l":
			cfg.BindPort = uint16(f.bindPort)
		case "s":
			cfg.ServerAddress = f.serverAddress
		case "p":
			cfg.ServerPort = uint16(f.serverPort)
		case "m":
			cfg.Method = f.method
		case "k":
			cfg.Password = f.password
		case "t":
			cfg.Timeout = f.timeout
		case "f":
			cfg.ForwardAddress = f.forwardAddress
		case "dns":
			cfg.DNSServers = nil
			for _, server := range strings.Split(f.dnsServers, ",") {
				if server = strings.TrimSpace(server); server != "" {
					cfg.DNSServers = append(cfg.DNSServers, server)
				}
			}
		case "resolve-mode":
			cfg.ResolveMode = f.resolveMode
		case "plugin":
			cfg.Plugin = f.plugin
		case "plugin-opts":
			cfg.PluginOpts = f.pluginOpts
		case "metrics":
			cfg.MetricsAddress = f.metrics
		}
	})
}

// Main runs the command for role and exits.
func Main(role config.Role) {
	os.Exit(Run(role, os.Args[0], os.Args[1:], os.Stderr))
}

// Run parses args, starts the services and blocks until SIGINT or SIGTERM. It returns the exit
// status.
func Run(role config.Role, name string, args []string, output io.Writer) int {
	var f flags
	fs := newFlagSet(name, role, &f, output)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(output, "Unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return 2
	}

	var cfg config.Config
	if f.confPath != "" {
		if err := config.Load(f.confPath, &cfg); err != nil {
			fmt.Fprintln(output, err)
			return 1
		}
	}
	f.apply(fs, &cfg)

	logger, err := newLogger(&f, &cfg.Log)
	if err != nil {
		fmt.Fprintln(output, err)
		return 1
	}
	defer logger.Sync()

	m, err := service.NewManager(role, &cfg, logger)
	if err != nil {
		logger.Error("Failed to create service manager", zap.String("confPath", f.confPath), zap.Error(err))
		return 1
	}
	if f.testConf {
		logger.Info("Config test OK", zap.String("confPath", f.confPath))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := m.Start(ctx); err != nil {
		logger.Error("Failed to start services", zap.Error(err))
		return 1
	}

	status := 0
	select {
	case <-ctx.Done():
		logger.Info("Received exit signal")
	case err := <-m.Fatal():
		logger.Error("Service failed", zap.Error(err))
		status = 1
	}
	m.Stop()
	return status
}

func newLogger(f *flags, lc *config.LogConfig) (*zap.Logger, error) {
	opts := logging.Options{
		Preset:     lc.Preset,
		Level:      f.logLevel,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
	if f.zapConf != "" {
		opts.Preset = f.zapConf
	}
	if opts.Level == zapcore.InvalidLevel && lc.Level != "" {
		level, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		opts.Level = level
	}
	return logging.New(opts)
}
