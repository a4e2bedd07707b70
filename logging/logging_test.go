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

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Presets(t *testing.T) {
	for _, preset := range []string{"", "console", "console-nocolor", "console-notime", "systemd", "production", "development"} {
		t.Run(preset, func(t *testing.T) {
			logger, err := New(Options{Preset: preset, Level: zapcore.WarnLevel})
			require.NoError(t, err)
			require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
			require.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
		})
	}
}

func TestNew_DefaultLevel(t *testing.T) {
	logger, err := New(Options{Level: zapcore.InvalidLevel})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zap.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	"level": "debug",
	"encoding": "json",
	"outputPaths": ["stderr"],
	"errorOutputPaths": ["stderr"],
	"encoderConfig": {"messageKey": "msg"}
}`), 0o600))
	logger, err := New(Options{Preset: path, Level: zapcore.InvalidLevel})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Options{Preset: filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	logger, err := New(Options{File: path, Level: zapcore.InfoLevel, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("Session closed")
	logger.Debug("Filtered out")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "Session closed")
	require.NotContains(t, string(data), "Filtered out")
	// Files never get color codes.
	require.False(t, strings.Contains(string(data), "\x1b["))

	jsonPath := filepath.Join(t.TempDir(), "proxy.json")
	logger, err = New(Options{Preset: "production", File: jsonPath})
	require.NoError(t, err)
	logger.Info("Listening")
	require.NoError(t, logger.Sync())
	data, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"Listening"`)
}
