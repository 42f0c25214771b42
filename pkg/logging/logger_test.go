// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelWarn, LevelWarn.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(42).toSlogLevel())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{" INFO ", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "watch",
		Origin:  "ctx-1",
		Quiet:   true,
	})
	logger.Info("load applied", "collection", "firms")
	require.NoError(t, logger.Close())

	name := "watch_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	line := string(data)
	assert.Contains(t, line, `"msg":"load applied"`)
	assert.Contains(t, line, `"service":"watch"`)
	assert.Contains(t, line, `"origin":"ctx-1"`)
	assert.Contains(t, line, `"collection":"firms"`)
}

func TestNew_LevelFilter(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{Level: LevelWarn, LogDir: dir, Service: "hub", Quiet: true})
	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "hub_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Service: "api", Exporter: exporter})

	logger.Debug("dropped")
	logger.Warn("remote unavailable", "collection", "records")

	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 5*time.Millisecond)

	entry := exporter.Entries()[0]
	assert.Equal(t, LevelWarn, entry.Level)
	assert.Equal(t, "remote unavailable", entry.Message)
	assert.Equal(t, "api", entry.Service)
	assert.Equal(t, "records", entry.Attrs["collection"])
	require.NoError(t, logger.Close())
}

func TestLogger_WithSharesDestinations(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "cli", Quiet: true})

	child := logger.With("collection", "firms")
	child.Info("child message")
	require.NoError(t, logger.Close())

	matches, _ := filepath.Glob(filepath.Join(dir, "cli_*.log"))
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"collection":"firms"`))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".millsync/logs"), expandPath("~/.millsync/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, "b", "two", 3, "skipped", "dangling"})
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, got)
}
