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
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
	"github.com/AleutianAI/millsync/services/refdata/store"
)

func (a *app) firmsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "firms",
		Aliases: []string{"firm"},
		Short:   "List and edit dyeing firms",
	}
	cmd.AddCommand(
		a.firmsListCmd(),
		a.firmsAddCmd(),
		a.firmsRenameCmd(),
		a.firmsDeactivateCmd(),
		a.firmsPendingCmd(),
	)
	return cmd
}

func (a *app) firmsListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dyeing firms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			items := sess.store.Firms().Snapshot()
			if activeOnly {
				items = activeFirms(items)
			}
			p := newPrinter(cmd.OutOrStdout(), a.plain)
			p.firms(items)
			if sess.store.Firms().IsStale() {
				p.warn("the ERP API could not be reached; showing the last known firms")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active firms")
	return cmd
}

func activeFirms(items []datatypes.NamedEntity) []datatypes.NamedEntity {
	out := make([]datatypes.NamedEntity, 0, len(items))
	for _, e := range items {
		if e.IsActive {
			out = append(out, e)
		}
	}
	return out
}

func (a *app) firmsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [name]",
		Short: "Add a dyeing firm, or return the existing one with the same name",
		Long: `Add a dyeing firm. Names are compared case-insensitively: adding
"rainbow dyers" when "Rainbow Dyers" exists returns the existing firm.

When the ERP API is unreachable the firm is kept as pending and created the
next time any session reaches the API.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			if name == "" {
				if a.plain || !isTerminal(cmd.InOrStdin()) {
					return errors.New("a firm name is required")
				}
				var err error
				if name, err = promptFirmName(); err != nil {
					return err
				}
			}

			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			firm, err := sess.store.FirmWriter().Create(cmd.Context(), datatypes.EntityInput{Name: name})
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), a.plain)
			p.firms([]datatypes.NamedEntity{firm})
			if firm.Pending {
				p.warn("saved locally; it will be created when the ERP API is reachable")
			}
			return nil
		},
	}
}

// promptFirmName asks for a firm name on the terminal.
func promptFirmName() (string, error) {
	var name string
	err := huh.NewInput().
		Title("Dyeing firm name").
		Value(&name).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("name cannot be blank")
			}
			return nil
		}).
		Run()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(name), nil
}

func (a *app) firmsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new name>",
		Short: "Rename a dyeing firm; its records follow",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args[1:], " ")
			return a.updateFirm(cmd, args[0], datatypes.EntityPatch{Name: &name})
		},
	}
}

func (a *app) firmsDeactivateCmd() *cobra.Command {
	var reactivate bool
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Hide a dyeing firm from new records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			active := reactivate
			return a.updateFirm(cmd, args[0], datatypes.EntityPatch{IsActive: &active})
		},
	}
	cmd.Flags().BoolVar(&reactivate, "undo", false, "reactivate the firm instead")
	return cmd
}

func (a *app) updateFirm(cmd *cobra.Command, id string, patch datatypes.EntityPatch) error {
	sess, err := a.openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	firm, err := sess.store.FirmWriter().Update(cmd.Context(), id, patch)
	if err != nil {
		return explainUpdateError(err)
	}
	newPrinter(cmd.OutOrStdout(), a.plain).firms([]datatypes.NamedEntity{firm})
	return nil
}

// explainUpdateError turns store errors into messages for the terminal.
func explainUpdateError(err error) error {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict) && conflict.ExistingID != "":
		return fmt.Errorf("firm %s already uses the name %q", conflict.ExistingID, conflict.Name)
	case errors.Is(err, store.ErrValidationConflict):
		return fmt.Errorf("another firm already uses that name")
	case errors.Is(err, store.ErrRemoteUnavailable):
		return fmt.Errorf("the ERP API could not be reached; nothing was changed: %w", err)
	case errors.Is(err, store.ErrPendingEntity):
		return errors.New("this firm has not reached the ERP API yet; try again once it is saved")
	default:
		return err
	}
}

func (a *app) firmsPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List firm names waiting to be created in the ERP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			p := newPrinter(cmd.OutOrStdout(), a.plain)
			names := sess.store.FirmWriter().Pending(cmd.Context())
			if len(names) == 0 {
				p.note("no pending firms")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
