// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// New builds a slog.Logger writing to w with the given level and format.
// Unknown levels fall back to info; unknown formats fall back to text.
func New(level, format string, w io.Writer) *slog.Logger {
	return slog.New(handlerFor(format, parseLevel(level), w))
}

func handlerFor(format string, level slog.Level, w io.Writer) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})
	}

	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// shorten source paths to pkg/file.go
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					parts := strings.Split(filepath.ToSlash(src.File), "/")
					if len(parts) > 1 {
						src.File = filepath.Join(parts[len(parts)-2], parts[len(parts)-1])
					}
				}
			}
			return a
		},
	})
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
