// Copyright 2024 The sysmon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logs provides the structured logger shared by every sysmon
// component. Components receive a StructuredLogger handle explicitly;
// there is no package-level default in the hot path.
package logs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sysmon-dev/sysmon/internal/version"
)

type StructuredLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

// New builds a production JSON logger writing to the given file path with
// size-based rotation. An empty path logs to stderr.
func New(file string, maxSizeMB int) *ZapStructuredLogger {
	if file == "" {
		return Default()
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename: file,
		MaxSize:  maxSizeMB,
		Compress: false,
	})
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		w,
		zap.InfoLevel,
	)
	sugar := zap.New(core).Sugar().With(
		zap.String("version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

// Default logs JSON to stderr.
func Default() *ZapStructuredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger, _ := Discard()
		return logger
	}
	sugar := logger.Sugar().With(
		zap.String("version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

// Discard returns a logger whose output is captured by the returned
// observer instead of being written anywhere. Tests assert on the
// observed entries.
func Discard() (*ZapStructuredLogger, *observer.ObservedLogs) {
	observedZapCore, observedLogs := observer.New(zap.DebugLevel)
	observedLogger := zap.New(observedZapCore)
	return &ZapStructuredLogger{logger: observedLogger.Sugar()}, observedLogs
}

func (f ZapStructuredLogger) Debugf(format string, v ...any) {
	f.logger.Debugf(format, v...)
}

func (f ZapStructuredLogger) Infof(format string, v ...any) {
	f.logger.Infof(format, v...)
}

func (f ZapStructuredLogger) Warnf(format string, v ...any) {
	f.logger.Warnf(format, v...)
}

func (f ZapStructuredLogger) Errorf(format string, v ...any) {
	f.logger.Errorf(format, v...)
}
