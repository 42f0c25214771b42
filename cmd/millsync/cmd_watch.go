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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/store"
)

// snapshotMsg carries one delivered snapshot into the watch view.
type snapshotMsg struct {
	version int64
	rows    []table.Row
	names   []string
	stale   bool
}

// watchSource subscribes to one collection and converts its snapshots.
type watchSource struct {
	name      string
	columns   []table.Column
	subscribe func(deliver func(snapshotMsg)) func()
}

func firmsSource(s *store.Store) watchSource {
	return watchSource{
		name: store.FirmsCollection,
		columns: []table.Column{
			{Title: "ID", Width: 16},
			{Title: "NAME", Width: 32},
			{Title: "ACTIVE", Width: 6},
			{Title: "STATUS", Width: 8},
		},
		subscribe: func(deliver func(snapshotMsg)) func() {
			c := s.Firms()
			return c.Subscribe(func(snap store.Snapshot[datatypes.NamedEntity]) {
				deliver(firmRows(snap, c.IsStale()))
			})
		},
	}
}

func firmRows(snap store.Snapshot[datatypes.NamedEntity], stale bool) snapshotMsg {
	msg := snapshotMsg{version: snap.Version, stale: stale}
	for _, e := range snap.Items {
		status := "saved"
		if e.Pending {
			status = "pending"
		}
		msg.rows = append(msg.rows, table.Row{shortID(e.ID), e.Name, yesNo(e.IsActive), status})
		msg.names = append(msg.names, e.Name)
	}
	return msg
}

func recordsSource(s *store.Store) watchSource {
	return watchSource{
		name: store.RecordsCollection,
		columns: []table.Column{
			{Title: "ID", Width: 10},
			{Title: "FIRM", Width: 20},
			{Title: "PARTY", Width: 20},
			{Title: "YARN", Width: 16},
			{Title: "QTY", Width: 8},
			{Title: "SENT", Width: 10},
		},
		subscribe: func(deliver func(snapshotMsg)) func() {
			c := s.Records()
			return c.Subscribe(func(snap store.Snapshot[datatypes.Record]) {
				deliver(recordRows(snap, c.IsStale()))
			})
		},
	}
}

func recordRows(snap store.Snapshot[datatypes.Record], stale bool) snapshotMsg {
	msg := snapshotMsg{version: snap.Version, stale: stale}
	for _, r := range snap.Items {
		msg.rows = append(msg.rows, table.Row{
			r.ID, r.DyeingFirm, r.PartyName, r.YarnType,
			formatQuantity(r.Quantity), r.SentDate.String(),
		})
		msg.names = append(msg.names, r.ID)
	}
	return msg
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "watch <firms|records>",
		Short:     "Show a collection and follow changes made by other sessions",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"firms", "records"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var src watchSource
			switch args[0] {
			case "firms", "firm":
				src = firmsSource(sess.store)
			case "records", "record":
				src = recordsSource(sess.store)
			default:
				return fmt.Errorf("unknown collection %q: want firms or records", args[0])
			}

			if a.plain || !isTerminal(cmd.OutOrStdout()) || !isTerminal(cmd.InOrStdin()) {
				return watchPlain(ctx, cmd.OutOrStdout(), src)
			}
			return watchInteractive(ctx, src)
		},
	}
}

// watchPlain prints one summary line per delivered snapshot until ctx ends.
func watchPlain(ctx context.Context, w io.Writer, src watchSource) error {
	lines := make(chan string, 16)
	unsubscribe := src.subscribe(func(msg snapshotMsg) {
		line := summary(src.name, msg.version, len(msg.rows), msg.names)
		if msg.stale {
			line += " (stale)"
		}
		select {
		case lines <- line:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			fmt.Fprintln(w, line)
		}
	}
}

func watchInteractive(ctx context.Context, src watchSource) error {
	model := newWatchModel(src.name, src.columns)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())
	// Send blocks until the program loop runs, and the first delivery can
	// happen inside subscribe. The model drops out-of-order versions.
	unsubscribe := src.subscribe(func(msg snapshotMsg) {
		go program.Send(msg)
	})
	defer unsubscribe()

	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// watchModel is the bubbletea model of the interactive watch view.
type watchModel struct {
	collection string
	table      table.Model
	spinner    spinner.Model
	loaded     bool
	version    int64
	stale      bool
	updates    int
}

func newWatchModel(collection string, columns []table.Column) watchModel {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	return watchModel{
		collection: collection,
		table:      t,
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
	case snapshotMsg:
		if msg.version < m.version {
			return m, nil
		}
		m.loaded = true
		m.version = msg.version
		m.stale = msg.stale
		m.updates++
		m.table.SetRows(msg.rows)
		return m, nil
	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	if !m.loaded {
		return fmt.Sprintf("%s loading %s...\n", m.spinner.View(), m.collection)
	}
	header := styleTitle.Render(fmt.Sprintf("%s  v%d", m.collection, m.version))
	footer := styleMuted.Render(fmt.Sprintf("%d updates  q to quit", m.updates))
	if m.stale {
		footer = stylePending.Render("ERP API unreachable; showing last known data") + "\n" + footer
	}
	return header + "\n\n" + m.table.View() + "\n" + footer + "\n"
}
