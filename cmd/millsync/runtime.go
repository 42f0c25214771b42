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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/millsync/services/refdata/config"
	"github.com/AleutianAI/millsync/services/refdata/kv"
	"github.com/AleutianAI/millsync/services/refdata/remote"
	"github.com/AleutianAI/millsync/services/refdata/store"
	"github.com/AleutianAI/millsync/services/refdata/transport"
)

// readyTimeout bounds how long a one-shot command waits for the first load.
const readyTimeout = 30 * time.Second

// session is a started Store and the key/value store it owns.
type session struct {
	store *store.Store
	kv    kv.Store
}

func (s *session) Close() error {
	return errors.Join(s.store.Close(), s.kv.Close())
}

// openSession builds and starts a Store from the loaded config and waits
// until both collections have a first snapshot.
func (a *app) openSession(ctx context.Context) (*session, error) {
	logger := a.logger.Slog()

	kvStore, err := openKV(a.cfg, logger)
	if err != nil {
		return nil, err
	}
	api := remote.NewClient(a.cfg.API.BaseURL).
		WithTimeout(a.cfg.API.Timeout).
		WithRateLimit(a.cfg.API.RateLimit, a.cfg.API.Burst)

	s, err := store.New(storeConfig(a.cfg), store.Deps{
		KV:       kvStore,
		Channels: channelOpener(a.cfg, logger),
		Firms:    api,
		Records:  api,
		Logger:   logger,
	})
	if err != nil {
		_ = kvStore.Close()
		return nil, err
	}
	sess := &session{store: s, kv: kvStore}

	if err := s.Start(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.WaitReady(waitCtx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("waiting for the first snapshot: %w", err)
	}
	return sess, nil
}

func storeConfig(cfg config.MillsyncConfig) store.Config {
	return store.Config{
		Namespace:         cfg.Namespace,
		Channel:           cfg.Namespace,
		CacheTTL:          cfg.Store.CacheTTL,
		ReconcileInterval: cfg.Store.ReconcileInterval,
	}
}

func openKV(cfg config.MillsyncConfig, logger *slog.Logger) (kv.Store, error) {
	switch cfg.KV.Backend {
	case config.BackendMemory:
		logger.Warn("memory key/value store: changes are not shared with other processes")
		return kv.NewMemorySpace().Open(cfg.Origin), nil
	case config.BackendBadger:
		bc := kv.DefaultBadgerConfig(cfg.KV.Path)
		bc.Logger = logger
		b, err := kv.OpenBadger(bc, cfg.Origin)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return b, nil
	case config.BackendFile:
		f, err := kv.OpenFile(cfg.KV.Path, cfg.Origin, logger)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown key/value backend %q", cfg.KV.Backend)
	}
}

func channelOpener(cfg config.MillsyncConfig, logger *slog.Logger) transport.Opener {
	if cfg.Transport.Mode != config.TransportWebSocket {
		return transport.Unavailable{}
	}
	return &transport.WebSocketOpener{
		BaseURL: cfg.Transport.HubURL,
		Logger:  logger,
	}
}
