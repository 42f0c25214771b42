// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the millsync YAML configuration.
package config

import (
	"time"

	"github.com/AleutianAI/millsync/pkg/telemetry"
)

// CurrentConfigVersion is written into new config files. Files with a
// different major version are rejected.
const CurrentConfigVersion = "v1.2.0"

// KV backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendFile   = "file"
)

// Transport modes.
const (
	TransportNone      = "none"
	TransportWebSocket = "websocket"
)

type MillsyncConfig struct {
	Meta MetaConfig `yaml:"meta"`

	// Namespace prefixes every durable key and names the change channel.
	Namespace string `yaml:"namespace" validate:"required,max=64,excludesall=:"`

	// Origin identifies this context. Empty generates one per process.
	Origin string `yaml:"origin,omitempty" validate:"max=128"`

	Store     StoreConfig      `yaml:"store"`
	KV        KVConfig         `yaml:"kv"`
	Transport TransportConfig  `yaml:"transport"`
	API       APIConfig        `yaml:"api"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type StoreConfig struct {
	CacheTTL          time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" validate:"gte=100ms"`
}

type KVConfig struct {
	// Backend is memory, badger or file. Only file is shared between
	// processes; memory and badger are shared by the contexts of one process.
	Backend string `yaml:"backend" validate:"oneof=memory badger file"`
	Path    string `yaml:"path,omitempty" validate:"required_unless=Backend memory"`
}

type TransportConfig struct {
	Mode string `yaml:"mode" validate:"oneof=none websocket"`

	// HubURL is where `millsync hub` listens, as seen by clients.
	HubURL string `yaml:"hub_url,omitempty" validate:"required_if=Mode websocket"`

	// Listen is the hub's bind address.
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

type APIConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	RateLimit float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst     int           `yaml:"burst" validate:"gte=0"`

	// Listen is the bind address of the development API server.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// SeedFirms are created by the development API server at start.
	SeedFirms []string `yaml:"seed_firms,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() MillsyncConfig {
	tel := telemetry.DefaultConfig()
	tel.TraceExporter = telemetry.ExporterNone
	tel.MetricExporter = telemetry.ExporterNone
	return MillsyncConfig{
		Meta:      MetaConfig{Version: CurrentConfigVersion},
		Namespace: "millsync",
		Store: StoreConfig{
			CacheTTL:          24 * time.Hour,
			ReconcileInterval: 30 * time.Second,
		},
		KV: KVConfig{
			Backend: BackendFile,
			Path:    "~/.millsync/kv",
		},
		Transport: TransportConfig{
			Mode:   TransportWebSocket,
			HubURL: "ws://127.0.0.1:8787",
			Listen: "127.0.0.1:8787",
		},
		API: APIConfig{
			BaseURL:   "http://127.0.0.1:8080",
			Timeout:   10 * time.Second,
			RateLimit: 20,
			Burst:     10,
			Listen:    "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: tel,
	}
}
