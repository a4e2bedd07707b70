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

// Package logging builds the zap loggers used by the commands.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the logger.
type Options struct {
	// Preset is one of the names below, or a path to a JSON zap configuration:
	//
	//   - "console" (default): human readable, colored, for interactive use.
	//   - "console-nocolor": same as "console", but without color.
	//   - "console-notime": same as "console", but without timestamps.
	//   - "systemd": same as "console", but without color and timestamps.
	//   - "production": zap's built-in production preset.
	//   - "development": zap's built-in development preset.
	Preset string
	// Level applies to every preset. zapcore.InvalidLevel keeps the preset's own level.
	Level zapcore.Level
	// File, if set, sends the logs to a size-rotated file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a new [*zap.Logger] for opts.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch opts.Preset {
	case "", "console", "console-nocolor", "console-notime", "systemd":
		noColor := opts.Preset == "console-nocolor" || opts.Preset == "systemd"
		noTime := opts.Preset == "console-notime" || opts.Preset == "systemd"
		level := opts.Level
		if level == zapcore.InvalidLevel {
			level = zapcore.InfoLevel
		}
		enc := zapcore.NewConsoleEncoder(NewProductionConsoleEncoderConfig(noColor || opts.File != "", noTime))
		var zopts []zap.Option
		if noTime {
			zopts = append(zopts, zap.WithClock(fakeClock{}))
		}
		return zap.New(zapcore.NewCore(enc, writeSyncer(opts), level), zopts...), nil
	case "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		data, err := os.ReadFile(opts.Preset)
		if err != nil {
			return nil, fmt.Errorf("failed to load zap logger config from file %q: %w", opts.Preset, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load zap logger config from file %q: %w", opts.Preset, err)
		}
	}
	if opts.Level != zapcore.InvalidLevel {
		cfg.Level.SetLevel(opts.Level)
	}
	if opts.File == "" {
		return cfg.Build()
	}
	// Keep the preset's encoding and level, but write to the rotated file.
	var enc zapcore.Encoder
	if cfg.Encoding == "console" {
		enc = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	}
	return zap.New(zapcore.NewCore(enc, writeSyncer(opts), cfg.Level), zap.AddCaller()), nil
}

func writeSyncer(opts Options) zapcore.WriteSyncer {
	if opts.File == "" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
		LocalTime:  true,
	})
}

// NewProductionConsoleEncoderConfig returns an opinionated [zapcore.EncoderConfig] for production console environments.
func NewProductionConsoleEncoderConfig(noColor, noTime bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		CallerKey:        "C",
		FunctionKey:      zapcore.OmitKey,
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}
	if noColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if noTime {
		ec.TimeKey = zapcore.OmitKey
		ec.EncodeTime = nil
	}
	return ec
}

// fakeClock always returns the zero time, for presets that omit timestamps.
type fakeClock struct{}

func (fakeClock) Now() time.Time {
	return time.Time{}
}

func (fakeClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
