/*
 *     Copyright 2024 The smpd Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package smplog wraps zap with the process-wide core logger and contextual
// children used across the daemon.
package smplog

import (
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const CoreLogFileName = "smpd-core.log"

var coreLogger = zap.NewNop().Sugar()

// Init configures the core logger. With console true, logs go to stderr in
// development encoding; otherwise to a size-rotated file under logDir.
func Init(console bool, logDir string) error {
	if console {
		log, err := zap.NewDevelopment(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			return err
		}
		coreLogger = log.Sugar()
		return nil
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, CoreLogFileName),
		MaxSize:    100,
		MaxAge:     14,
		MaxBackups: 7,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	coreLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return nil
}

// SetCoreLogger replaces the process logger, mainly for tests.
func SetCoreLogger(log *zap.SugaredLogger) {
	coreLogger = log
}

// Logger returns the unsugared core logger, for middleware that wants one.
func Logger() *zap.Logger {
	return coreLogger.Desugar()
}

// With creates a child logger with structured context.
func With(args ...any) *zap.SugaredLogger {
	return coreLogger.With(args...)
}

// WithShareID creates a child logger bound to a share.
func WithShareID(id string) *zap.SugaredLogger {
	return coreLogger.With("shareID", id)
}

// WithDownloadID creates a child logger bound to a download.
func WithDownloadID(id string) *zap.SugaredLogger {
	return coreLogger.With("downloadID", id)
}

func Debugf(template string, args ...any) {
	coreLogger.Debugf(template, args...)
}

func Infof(template string, args ...any) {
	coreLogger.Infof(template, args...)
}

func Warnf(template string, args ...any) {
	coreLogger.Warnf(template, args...)
}

func Errorf(template string, args ...any) {
	coreLogger.Errorf(template, args...)
}
