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

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-ss-proxy/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestFlagsOverrideFile(t *testing.T) {
	var f flags
	fs := newFlagSet("ss-local", config.RoleLocal, &f, &bytes.Buffer{})
	require.NoError(t, fs.Parse([]string{
		"-s", "example.com", "-p", "8389", "-m", "aes-128-gcm", "-t", "30",
		"-dns", "1.1.1.1, tcp://8.8.8.8", "-metrics", "127.0.0.1:9090",
	}))
	cfg := config.Config{
		ServerAddress: "file.example",
		Method:        "chacha20-ietf-poly1305",
		Password:      "from file",
		BindPort:      1080,
	}
	f.apply(fs, &cfg)
	require.Equal(t, "example.com", cfg.ServerAddress)
	require.Equal(t, uint16(8389), cfg.ServerPort)
	require.Equal(t, "aes-128-gcm", cfg.Method)
	require.Equal(t, "from file", cfg.Password)
	require.Equal(t, uint16(1080), cfg.BindPort)
	require.Equal(t, config.Duration(30*time.Second), cfg.Timeout)
	require.Equal(t, []string{"1.1.1.1", "tcp://8.8.8.8"}, cfg.DNSServers)
	require.Equal(t, "127.0.0.1:9090", cfg.MetricsAddress)
}

func TestRoleFlags(t *testing.T) {
	var f flags
	server := newFlagSet("ss-server", config.RoleServer, &f, &bytes.Buffer{})
	require.Nil(t, server.Lookup("s"))
	require.Nil(t, server.Lookup("f"))
	tunnel := newFlagSet("ss-tunnel", config.RoleTunnel, &f, &bytes.Buffer{})
	require.NotNil(t, tunnel.Lookup("f"))
	require.NotNil(t, tunnel.Lookup("s"))
}

func TestRun_TestConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("method: aes-256-gcm\npassword: secret\nlog:\n  level: warn\n"), 0o600))
	var out bytes.Buffer
	require.Equal(t, 0, Run(config.RoleServer, "ss-server", []string{"-c", path, "-testConf", "-zapConf", "console-nocolor"}, &out))
}

func TestRun_Errors(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 2, Run(config.RoleServer, "ss-server", []string{"-bogus"}, &out))
	require.Equal(t, 2, Run(config.RoleServer, "ss-server", []string{"extra"}, &out))
	require.Equal(t, 0, Run(config.RoleServer, "ss-server", []string{"-h"}, &out))
	require.Contains(t, out.String(), "chacha20-ietf-poly1305")
	// No method.
	require.Equal(t, 1, Run(config.RoleServer, "ss-server", []string{"-testConf", "-k", "secret"}, &out))
	require.Equal(t, 1, Run(config.RoleServer, "ss-server", []string{"-c", filepath.Join(t.TempDir(), "missing.json")}, &out))
}

func TestNewLogger(t *testing.T) {
	f := flags{logLevel: zapcore.InvalidLevel}
	logger, err := newLogger(&f, &config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	f.logLevel = zapcore.ErrorLevel
	logger, err = newLogger(&f, &config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = newLogger(&flags{logLevel: zapcore.InvalidLevel}, &config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
