// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/millsync/pkg/logging"
	"github.com/AleutianAI/millsync/services/refdata/config"
	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/remote"
	"github.com/AleutianAI/millsync/services/refdata/store"
)

// writeConfig writes a config that uses the memory backend, no hub and
// the given API.
func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "millsync.yaml")
	body := fmt.Sprintf(`meta:
  version: %s
namespace: clitest
kv:
  backend: memory
transport:
  mode: none
api:
  base_url: %s
  timeout: 2s
logging:
  level: error
`, config.CurrentConfigVersion, apiURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startAPI(t *testing.T, firms ...string) *remote.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := remote.NewServer(remote.ServerOptions{Firms: firms})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Setenv("MILLSYNC_API_URL", ts.URL)
	return srv
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", cfgPath, "--plain"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestCLI_FirmsAddIsCaseInsensitive(t *testing.T) {
	api := startAPI(t, "Rainbow Dyers")
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfg, "firms", "add", "rainbow dyers")
	require.NoError(t, err)
	assert.Contains(t, out, "Rainbow Dyers")
	assert.Equal(t, 1, api.FirmCount())

	out, err = run(t, cfg, "firms", "add", "Sunrise", "Processors")
	require.NoError(t, err)
	assert.Contains(t, out, "Sunrise Processors")
	assert.Equal(t, 2, api.FirmCount())

	out, err = run(t, cfg, "firms", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Rainbow Dyers")
	assert.Contains(t, out, "Sunrise Processors")
	assert.NotContains(t, out, "pending")
}

func TestCLI_FirmsListFallsBackToDefaults(t *testing.T) {
	t.Setenv("MILLSYNC_API_URL", "http://127.0.0.1:1")
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfg, "firms", "list")
	require.NoError(t, err)
	for _, f := range datatypes.DefaultFirms() {
		assert.Contains(t, out, f.Name)
	}
	assert.Contains(t, out, "could not be reached")
}

func TestCLI_FirmsAddWhileUnavailableIsPending(t *testing.T) {
	api := startAPI(t)
	api.SetAvailable(false)
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfg, "firms", "add", "Indigo Works")
	require.NoError(t, err)
	assert.Contains(t, out, "Indigo Works")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "saved locally")
	assert.Equal(t, 0, api.FirmCount())
}

func TestCLI_RenameConflict(t *testing.T) {
	startAPI(t, "Rainbow Dyers", "Sunrise Processors")
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfg, "firms", "list")
	require.NoError(t, err)
	id := firstIDOf(t, out, "Sunrise Processors")

	_, err = run(t, cfg, "firms", "rename", id, "RAINBOW", "DYERS")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already uses the name")
}

func TestCLI_RecordsAddAndList(t *testing.T) {
	startAPI(t, "Rainbow Dyers")
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfg, "records", "add",
		"--firm", "Rainbow Dyers", "--party", "Kumar Textiles", "--yarn", "30s cotton",
		"--qty", "120.5", "--sent", "2025-03-01", "--expected", "2025-03-10")
	require.NoError(t, err)
	assert.Contains(t, out, "Kumar Textiles")
	assert.Contains(t, out, "120.5")
	assert.Contains(t, out, "2025-03-10")

	out, err = run(t, cfg, "records", "list", "--firm", "rainbow DYERS")
	require.NoError(t, err)
	assert.Contains(t, out, "Kumar Textiles")

	out, err = run(t, cfg, "records", "list", "--firm", "Nobody")
	require.NoError(t, err)
	assert.NotContains(t, out, "Kumar Textiles")
}

func TestCLI_RecordsAddRejectsBadDate(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")
	_, err := run(t, cfg, "records", "add",
		"--firm", "A", "--party", "B", "--yarn", "C", "--qty", "1", "--sent", "01/03/2025")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--sent")
}

func TestCLI_WatchRejectsUnknownCollection(t *testing.T) {
	startAPI(t)
	cfg := writeConfig(t, "http://127.0.0.1:1")
	_, err := run(t, cfg, "watch", "dyes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

// firstIDOf returns the ID column of the first table row naming name.
func firstIDOf(t *testing.T, table, name string) string {
	t.Helper()
	for _, line := range strings.Split(table, "\n") {
		if strings.Contains(line, name) {
			return strings.Fields(line)[0]
		}
	}
	t.Fatalf("%q not in output:\n%s", name, table)
	return ""
}

func TestExplainUpdateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"conflict with id", &store.ConflictError{Name: "Rainbow Dyers", ExistingID: "7"}, `firm 7 already uses the name "Rainbow Dyers"`},
		{"conflict without id", fmt.Errorf("wrap: %w", store.ErrValidationConflict), "another firm already uses that name"},
		{"remote down", fmt.Errorf("%w: dial", store.ErrRemoteUnavailable), "could not be reached"},
		{"pending", store.ErrPendingEntity, "has not reached the ERP API"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, explainUpdateError(tt.err).Error(), tt.want)
		})
	}
}

func TestRecordFlags_Input(t *testing.T) {
	now := time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)

	in, err := recordFlags{firm: "A", party: "B", yarn: "C", quantity: 2}.input(now)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-05", in.SentDate.String())
	assert.Nil(t, in.ExpectedDate)

	in, err = recordFlags{sent: "2025-01-02", expected: " 2025-01-09 "}.input(now)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02", in.SentDate.String())
	require.NotNil(t, in.ExpectedDate)
	assert.Equal(t, "2025-01-09", in.ExpectedDate.String())

	_, err = recordFlags{expected: "soon"}.input(now)
	assert.ErrorContains(t, err, "--expected")
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	assert.False(t, p.styled, "a buffer is not a terminal")

	pending := datatypes.NewPendingEntity("Indigo Works", time.Now())
	p.firms([]datatypes.NamedEntity{
		{ID: "1", Name: "Rainbow Dyers", IsActive: true},
		pending,
	})
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "Rainbow Dyers")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, shortID(pending.ID))
	assert.NotContains(t, out, "\x1b[", "no escape codes when not styled")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "42", shortID("42"))
	id := datatypes.NewPendingEntity("x", time.Now()).ID
	assert.True(t, strings.HasPrefix(id, shortID(id)))
	assert.Len(t, shortID(id), len(datatypes.PendingIDPrefix)+8)
}

func TestSummary(t *testing.T) {
	got := summary("firms", 1700000000000, 2, []string{"A", "B"})
	assert.Equal(t, "firms v1700000000000 (2023-11-14T22:13:20Z) 2 items: A, B", got)
	assert.Equal(t, "records v0 (1970-01-01T00:00:00Z) 0 items", summary("records", 0, 0, nil))
}

func TestOpenKV_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.KV.Backend = config.BackendMemory
	cfg.Origin = "test"
	logger := logging.New(logging.Config{Quiet: true})
	defer logger.Close()

	s, err := openKV(cfg, logger.Slog())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.KV.Backend = "etcd"
	_, err = openKV(cfg, logger.Slog())
	assert.ErrorContains(t, err, "unknown key/value backend")
}

func TestOpenKV_File(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.KV.Path = t.TempDir()
	cfg.Origin = "test"
	logger := logging.New(logging.Config{Quiet: true})
	defer logger.Close()

	s, err := openKV(cfg, logger.Slog())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestWatchModel(t *testing.T) {
	m := newWatchModel("firms", []table.Column{{Title: "NAME", Width: 10}})
	assert.Contains(t, m.View(), "loading firms")

	next, _ := m.Update(snapshotMsg{version: 10, rows: []table.Row{{"Rainbow"}}})
	m = next.(watchModel)
	assert.True(t, m.loaded)
	assert.Equal(t, int64(10), m.version)
	assert.Contains(t, m.View(), "Rainbow")
	assert.Contains(t, m.View(), "v10")

	next, _ = m.Update(snapshotMsg{version: 5, rows: []table.Row{{"Old"}}})
	m = next.(watchModel)
	assert.Equal(t, int64(10), m.version, "older snapshots are ignored")
	assert.NotContains(t, m.View(), "Old")

	next, _ = m.Update(snapshotMsg{version: 11, rows: []table.Row{{"Rainbow"}}, stale: true})
	m = next.(watchModel)
	assert.Equal(t, 2, m.updates)
	assert.Contains(t, m.View(), "unreachable")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestFirmRows(t *testing.T) {
	snap := store.Snapshot[datatypes.NamedEntity]{
		Collection: store.FirmsCollection,
		Version:    3,
		Items: []datatypes.NamedEntity{
			{ID: "1", Name: "Rainbow Dyers", IsActive: true},
			{ID: "2", Name: "Old Mill"},
		},
	}
	msg := firmRows(snap, false)
	assert.Equal(t, int64(3), msg.version)
	assert.Equal(t, []string{"Rainbow Dyers", "Old Mill"}, msg.names)
	assert.Equal(t, table.Row{"2", "Old Mill", "no", "saved"}, msg.rows[1])
}

func TestRecordRows(t *testing.T) {
	sent := strfmt.Date(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	snap := store.Snapshot[datatypes.Record]{
		Version: 4,
		Items: []datatypes.Record{{
			ID: "r1", DyeingFirm: "Rainbow Dyers", PartyName: "Kumar", YarnType: "30s",
			Quantity: 12, SentDate: sent,
		}},
	}
	msg := recordRows(snap, true)
	assert.True(t, msg.stale)
	assert.Equal(t, table.Row{"r1", "Rainbow Dyers", "Kumar", "30s", "12", "2025-03-01"}, msg.rows[0])
}
