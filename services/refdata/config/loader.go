// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MILLSYNC_CONFIG"

var (
	// ErrIncompatibleVersion is returned for a config file written by a
	// different major version.
	ErrIncompatibleVersion = errors.New("incompatible config version")

	// ErrInvalidConfig wraps validation failures.
	ErrInvalidConfig = errors.New("invalid config")
)

var validate = validator.New()

// DefaultPath returns $MILLSYNC_CONFIG or ~/.millsync/millsync.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".millsync", "millsync.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
// An empty path uses DefaultPath. Notices about the first run are written
// to notice, which may be nil.
//
// Values missing from the file keep their defaults. MILLSYNC_* environment
// variables override the file; see applyEnv.
func Load(path string, notice io.Writer) (MillsyncConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return MillsyncConfig{}, err
		}
		path = p
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if notice != nil {
			fmt.Fprintf(notice, " First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return MillsyncConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return MillsyncConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults, applies the environment and
// validates the result.
func Parse(data []byte) (MillsyncConfig, error) {
	cfg := DefaultConfig()
	cfg.Meta.Version = ""
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MillsyncConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := checkVersion(cfg.Meta.Version); err != nil {
		return MillsyncConfig{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return MillsyncConfig{}, err
	}
	cfg.KV.Path = expandHome(cfg.KV.Path)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)
	if err := Validate(cfg); err != nil {
		return MillsyncConfig{}, err
	}
	return cfg, nil
}

// Validate checks cfg against its field rules.
func Validate(cfg MillsyncConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// checkVersion accepts files without a version (written before versioning)
// and files of the current major version.
func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrIncompatibleVersion, v)
	}
	if semver.Major(v) != semver.Major(CurrentConfigVersion) {
		return fmt.Errorf("%w: file is %s, this build reads %s.x",
			ErrIncompatibleVersion, v, semver.Major(CurrentConfigVersion))
	}
	return nil
}

// applyEnv overrides cfg from the environment:
//
//	MILLSYNC_NAMESPACE, MILLSYNC_ORIGIN, MILLSYNC_KV_BACKEND, MILLSYNC_KV_PATH,
//	MILLSYNC_HUB_URL, MILLSYNC_API_URL, MILLSYNC_LOG_LEVEL,
//	MILLSYNC_CACHE_TTL, MILLSYNC_RECONCILE_INTERVAL, MILLSYNC_API_RATE_LIMIT
func applyEnv(cfg *MillsyncConfig) error {
	strs := map[string]*string{
		"MILLSYNC_NAMESPACE":  &cfg.Namespace,
		"MILLSYNC_ORIGIN":     &cfg.Origin,
		"MILLSYNC_KV_BACKEND": &cfg.KV.Backend,
		"MILLSYNC_KV_PATH":    &cfg.KV.Path,
		"MILLSYNC_HUB_URL":    &cfg.Transport.HubURL,
		"MILLSYNC_API_URL":    &cfg.API.BaseURL,
		"MILLSYNC_LOG_LEVEL":  &cfg.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"MILLSYNC_CACHE_TTL":          &cfg.Store.CacheTTL,
		"MILLSYNC_RECONCILE_INTERVAL": &cfg.Store.ReconcileInterval,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("MILLSYNC_API_RATE_LIMIT"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: MILLSYNC_API_RATE_LIMIT: %v", ErrInvalidConfig, err)
		}
		cfg.API.RateLimit = rps
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
