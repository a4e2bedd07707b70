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

// Package config loads and validates the settings shared by the ss-local, ss-server and
// ss-tunnel commands.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Jigsaw-Code/outline-ss-proxy/dns"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport"
	"github.com/Jigsaw-Code/outline-ss-proxy/transport/shadowsocks"
	"gopkg.in/yaml.v3"
)

// Duration is [time.Duration] but implements [encoding.TextMarshaler] and [encoding.TextUnmarshaler].
// A bare number is read as seconds.
type Duration time.Duration

// MarshalText implements [encoding.TextMarshaler.MarshalText].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler.UnmarshalText].
func (d *Duration) UnmarshalText(text []byte) error {
	if seconds, err := strconv.ParseUint(string(text), 10, 32); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// UnmarshalJSON accepts both a JSON number of seconds and a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(b)
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Role names the command a configuration is for.
type Role string

const (
	RoleLocal  Role = "local"
	RoleServer Role = "server"
	RoleTunnel Role = "tunnel"
)

// Defaults.
const (
	DefaultBindAddress = "::"
	DefaultBindPort    = 58888
	DefaultServerPort  = 8088
	DefaultTimeout     = Duration(60 * time.Second)
)

// MethodNone makes a local proxy a plain SOCKS5 proxy that connects to targets directly.
const MethodNone = "none"

// LogConfig configures the zap logger.
type LogConfig struct {
	// Preset is a logger preset name, or a path to a JSON zap configuration.
	Preset string `json:"preset" yaml:"preset" toml:"preset"`
	// Level overrides the preset's level.
	Level string `json:"level" yaml:"level" toml:"level"`
	// File, if set, receives the logs instead of stderr and is rotated by size.
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// Config holds the settings of one proxy process.
type Config struct {
	BindAddress string `json:"bind_address" yaml:"bind_address" toml:"bind_address"`
	BindPort    uint16 `json:"bind_port" yaml:"bind_port" toml:"bind_port"`

	ServerAddress string `json:"server_address" yaml:"server_address" toml:"server_address"`
	ServerPort    uint16 `json:"server_port" yaml:"server_port" toml:"server_port"`

	Method   string   `json:"method" yaml:"method" toml:"method"`
	Password string   `json:"password" yaml:"password" toml:"password"`
	Timeout  Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	// SaltPrefix is put at the start of every salt this process sends.
	SaltPrefix string `json:"salt_prefix" yaml:"salt_prefix" toml:"salt_prefix"`
	// ReplayProtection rejects streams whose salt was already seen. Defaults to true for servers.
	ReplayProtection *bool `json:"replay_protection" yaml:"replay_protection" toml:"replay_protection"`

	DNSServers  []string `json:"dns_servers" yaml:"dns_servers" toml:"dns_servers"`
	ResolveMode string   `json:"resolve_mode" yaml:"resolve_mode" toml:"resolve_mode"`
	DNSCacheTTL Duration `json:"dns_cache_ttl" yaml:"dns_cache_ttl" toml:"dns_cache_ttl"`

	// ForwardAddress is the host:port every tunnel session asks the server to connect to.
	ForwardAddress string `json:"forward_address" yaml:"forward_address" toml:"forward_address"`

	Plugin     string `json:"plugin" yaml:"plugin" toml:"plugin"`
	PluginOpts string `json:"plugin_opts" yaml:"plugin_opts" toml:"plugin_opts"`

	MaxConnections int    `json:"max_connections" yaml:"max_connections" toml:"max_connections"`
	ProxyProtocol  bool   `json:"proxy_protocol" yaml:"proxy_protocol" toml:"proxy_protocol"`
	TCPFastOpen    bool   `json:"tcp_fast_open" yaml:"tcp_fast_open" toml:"tcp_fast_open"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address" toml:"metrics_address"`

	// UpstreamSOCKS5 makes outbound connections through another SOCKS5 proxy.
	UpstreamSOCKS5   string `json:"upstream_socks5" yaml:"upstream_socks5" toml:"upstream_socks5"`
	UpstreamUsername string `json:"upstream_username" yaml:"upstream_username" toml:"upstream_username"`
	UpstreamPassword string `json:"upstream_password" yaml:"upstream_password" toml:"upstream_password"`

	Log LogConfig `json:"log" yaml:"log" toml:"log"`
}

// Load decodes the file at path. The format follows the extension: .json, .yaml, .yml or .toml.
// Unknown keys are an error in every format.
func Load(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		d := json.NewDecoder(bytes.NewReader(data))
		d.DisallowUnknownFields()
		err = d.Decode(c)
	case ".yaml", ".yml":
		d := yaml.NewDecoder(bytes.NewReader(data))
		d.KnownFields(true)
		err = d.Decode(c)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), c)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys %v", undecoded)
			}
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// CheckAndApplyDefaults checks the configuration for role and fills in default values.
func (c *Config) CheckAndApplyDefaults(role Role) error {
	switch role {
	case RoleLocal, RoleServer, RoleTunnel:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.BindPort == 0 {
		c.BindPort = DefaultBindPort
	}
	if c.ServerPort == 0 {
		c.ServerPort = DefaultServerPort
	}
	switch {
	case c.Timeout == 0:
		c.Timeout = DefaultTimeout
	case c.Timeout < 0:
		return fmt.Errorf("timeout must not be negative: %v", time.Duration(c.Timeout))
	}

	plain := c.Method == MethodNone
	switch {
	case c.Method == "":
		return errors.New("missing method")
	case plain && role != RoleLocal:
		return fmt.Errorf("method %q is only valid for a local proxy", MethodNone)
	case plain:
	default:
		if _, err := shadowsocks.CipherByName(c.Method); err != nil {
			return err
		}
		if c.Password == "" {
			return errors.New("missing password")
		}
	}

	if _, err := dns.ParseMode(c.ResolveMode); err != nil {
		return err
	}
	for _, server := range c.DNSServers {
		if server == "" {
			return errors.New("empty DNS server")
		}
	}

	if role != RoleServer && !plain && c.ServerAddress == "" {
		return errors.New("missing server address")
	}
	if role == RoleTunnel {
		if c.ForwardAddress == "" {
			return errors.New("missing forward address")
		}
		if _, err := transport.ParseTarget(c.ForwardAddress); err != nil {
			return fmt.Errorf("invalid forward address: %w", err)
		}
	}

	if c.ReplayProtection == nil {
		enabled := role == RoleServer
		c.ReplayProtection = &enabled
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative: %d", c.MaxConnections)
	}
	if c.UpstreamSOCKS5 != "" {
		if _, _, err := net.SplitHostPort(c.UpstreamSOCKS5); err != nil {
			return fmt.Errorf("invalid upstream SOCKS5 address: %w", err)
		}
		if len(c.UpstreamUsername) > 255 || len(c.UpstreamPassword) > 255 {
			return errors.New("upstream SOCKS5 credentials must be at most 255 bytes")
		}
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics address: %w", err)
		}
	}
	if c.PluginOpts != "" && c.Plugin == "" {
		return errors.New("plugin options given without a plugin")
	}
	return nil
}

// BindAddrPort returns the listen address.
func (c *Config) BindAddrPort() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(int(c.BindPort)))
}

// ServerAddrPort returns the address of the Shadowsocks server.
func (c *Config) ServerAddrPort() string {
	return net.JoinHostPort(c.ServerAddress, strconv.Itoa(int(c.ServerPort)))
}
