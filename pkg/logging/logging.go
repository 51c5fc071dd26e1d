// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package logging sets up the process-wide slog logger and provides
// the HTTP access-log middleware plus runtime log-level endpoints.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dusted-go/logging/prettylog"
)

// Supported log output formats.
const (
	LogText    string = "text"
	LogJSON    string = "json"
	LogPretty  string = "pretty"
	LogDiscard string = "discard"
)

// LogFormats lists the allowed log formats.
var LogFormats = []string{LogText, LogJSON, LogPretty, LogDiscard}

// LogLevels lists the allowed log levels.
var LogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

var logLevel *slog.LevelVar

// InitSlog installs the global slog logger with the given level and
// format. The level can be changed later with SetLogLevel or via the
// /loglevel endpoint.
func InitSlog(level string, logFormat string) error {
	logLevel = new(slog.LevelVar)

	var logger *slog.Logger
	switch logFormat {
	case LogText:
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	case LogJSON:
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	case LogPretty:
		handler := prettylog.NewHandler(&slog.HandlerOptions{
			Level:       logLevel,
			AddSource:   false,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr { return a },
		})
		logger = slog.New(handler)
	case LogDiscard:
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: logLevel}))
	default:
		return fmt.Errorf("logFormat %q not known", logFormat)
	}
	slog.SetDefault(logger)
	return SetLogLevel(level)
}

// LogLevel returns the current log level name.
func LogLevel() string {
	return logLevel.Level().String()
}

// SetLogLevel changes the global log level.
func SetLogLevel(level string) error {
	l, err := parseLevel(level)
	if err != nil {
		return err
	}
	logLevel.Set(l)
	return nil
}

// parseLevel parses a level name; the empty string means INFO.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelDebug, fmt.Errorf("log level %q not known", level)
	}
}
