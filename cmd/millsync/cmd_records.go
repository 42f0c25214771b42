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
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
)

func (a *app) recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"record"},
		Short:   "List and add dyeing records",
	}
	cmd.AddCommand(a.recordsListCmd(), a.recordsAddCmd())
	return cmd
}

func (a *app) recordsListCmd() *cobra.Command {
	var firm string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dyeing records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			items := filterRecords(sess.store.Records().Snapshot(), firm)
			p := newPrinter(cmd.OutOrStdout(), a.plain)
			p.records(items)
			if sess.store.Records().IsStale() {
				p.warn("the ERP API could not be reached; showing the last known records")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "only records sent to this firm (any case)")
	return cmd
}

func filterRecords(items []datatypes.Record, firm string) []datatypes.Record {
	if strings.TrimSpace(firm) == "" {
		return items
	}
	key := datatypes.NormalizeName(firm)
	out := make([]datatypes.Record, 0, len(items))
	for _, r := range items {
		if datatypes.NormalizeName(r.DyeingFirm) == key {
			out = append(out, r)
		}
	}
	return out
}

// recordFlags are the flags of `records add`.
type recordFlags struct {
	firm     string
	party    string
	yarn     string
	shade    string
	lot      string
	quantity float64
	sent     string
	expected string
	remarks  string
}

// input builds the record input, defaulting the sent date to today.
func (f recordFlags) input(now time.Time) (datatypes.RecordInput, error) {
	in := datatypes.RecordInput{
		DyeingFirm: f.firm,
		PartyName:  f.party,
		YarnType:   f.yarn,
		ShadeNo:    f.shade,
		Lot:        f.lot,
		Quantity:   f.quantity,
		Remarks:    f.remarks,
		SentDate:   strfmt.Date(now),
	}
	if f.sent != "" {
		d, err := parseDate(f.sent)
		if err != nil {
			return in, fmt.Errorf("--sent: %w", err)
		}
		in.SentDate = d
	}
	if f.expected != "" {
		d, err := parseDate(f.expected)
		if err != nil {
			return in, fmt.Errorf("--expected: %w", err)
		}
		in.ExpectedDate = &d
	}
	return in, nil
}

func parseDate(s string) (strfmt.Date, error) {
	var d strfmt.Date
	if err := d.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return d, fmt.Errorf("want a date like 2025-03-01: %w", err)
	}
	return d, nil
}

func (a *app) recordsAddCmd() *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a dyeing record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := f.input(time.Now())
			if err != nil {
				return err
			}
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			rec, err := sess.store.RecordWriter().Create(cmd.Context(), in)
			if err != nil {
				return explainUpdateError(err)
			}
			newPrinter(cmd.OutOrStdout(), a.plain).records([]datatypes.Record{rec})
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.firm, "firm", "", "dyeing firm name")
	fl.StringVar(&f.party, "party", "", "party the yarn belongs to")
	fl.StringVar(&f.yarn, "yarn", "", "yarn type, e.g. 30s cotton")
	fl.StringVar(&f.shade, "shade", "", "shade number")
	fl.StringVar(&f.lot, "lot", "", "lot number")
	fl.Float64Var(&f.quantity, "qty", 0, "quantity in kg")
	fl.StringVar(&f.sent, "sent", "", "date sent (default today)")
	fl.StringVar(&f.expected, "expected", "", "expected arrival date")
	fl.StringVar(&f.remarks, "remarks", "", "free text")
	_ = cmd.MarkFlagRequired("firm")
	_ = cmd.MarkFlagRequired("party")
	_ = cmd.MarkFlagRequired("yarn")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}
