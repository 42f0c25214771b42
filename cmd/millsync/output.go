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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
)

var (
	colorIndigo  = lipgloss.Color("#3F51B5")
	colorSaffron = lipgloss.Color("#F4A300")
	colorMadder  = lipgloss.Color("#C0392B")
	colorMuted   = lipgloss.Color("#7A869A")

	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorIndigo)
	stylePending = lipgloss.NewStyle().Foreground(colorSaffron)
	styleError   = lipgloss.NewStyle().Foreground(colorMadder)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

// isTerminal reports whether stream is an interactive terminal.
func isTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer writes command output, styled only on a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(w io.Writer, plain bool) *printer {
	return &printer{w: w, styled: !plain && isTerminal(w)}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) title(text string) {
	fmt.Fprintln(p.w, p.style(styleTitle, text))
}

func (p *printer) note(text string) {
	fmt.Fprintln(p.w, p.style(styleMuted, text))
}

func (p *printer) warn(text string) {
	fmt.Fprintln(p.w, p.style(stylePending, text))
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.style(styleError, fmt.Sprintf(format, args...)))
}

// firms writes one line per firm.
func (p *printer) firms(items []datatypes.NamedEntity) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tSTATUS")
	for _, e := range items {
		status := "saved"
		if e.Pending {
			status = p.style(stylePending, "pending")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortID(e.ID), e.Name, yesNo(e.IsActive), status)
	}
	_ = tw.Flush()
}

// records writes one line per record.
func (p *printer) records(items []datatypes.Record) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFIRM\tPARTY\tYARN\tQTY\tSENT\tEXPECTED")
	for _, r := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.DyeingFirm, r.PartyName, r.YarnType,
			formatQuantity(r.Quantity), r.SentDate.String(), expected(r))
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if datatypes.IsPendingID(id) && len(id) > len(datatypes.PendingIDPrefix)+8 {
		return id[:len(datatypes.PendingIDPrefix)+8]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func expected(r datatypes.Record) string {
	if r.ExpectedDate == nil {
		return "-"
	}
	return r.ExpectedDate.String()
}

// summary is the one-line form of a snapshot used by watch --plain.
func summary(collection string, version int64, count int, names []string) string {
	stamp := time.UnixMilli(version).UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s v%d (%s) %d items", collection, version, stamp, count)
	if len(names) > 0 {
		line += ": " + strings.Join(names, ", ")
	}
	return line
}
