// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
)

const (
	// DefaultTimeout bounds every request made by Client.
	DefaultTimeout = 15 * time.Second

	// DefaultRate and DefaultBurst limit requests per second so a
	// reconciliation pass over many pending entities cannot flood the API.
	DefaultRate  = 20
	DefaultBurst = 10
)

const (
	firmsPath   = "/api/dyeing-firms"
	recordsPath = "/api/dyeing-records"
)

// Client calls the ERP REST API.
//
// # Description
//
// Client implements EntityAPI for dyeing firms and RecordAPI for dyeing
// records. Every failure is classified so callers can use errors.Is with
// ErrUnavailable, ErrConflict, ErrValidation or ErrNotFound.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for the API rooted at baseURL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRate), DefaultBurst),
	}
}

// WithRateLimit replaces the request rate limit. rps <= 0 disables it.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
		return c
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	return c
}

// WithTimeout sets a custom request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithHTTPClient replaces the underlying HTTP client, e.g. for tracing.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// ListEntities implements EntityAPI.
func (c *Client) ListEntities(ctx context.Context) ([]datatypes.NamedEntity, error) {
	var out []datatypes.NamedEntity
	if err := c.do(ctx, http.MethodGet, firmsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateEntity implements EntityAPI.
func (c *Client) CreateEntity(ctx context.Context, in datatypes.EntityInput) (datatypes.NamedEntity, error) {
	var out datatypes.NamedEntity
	err := c.do(ctx, http.MethodPost, firmsPath, in, &out)
	return out, err
}

// UpdateEntity implements EntityAPI.
func (c *Client) UpdateEntity(ctx context.Context, id string, patch datatypes.EntityPatch) (datatypes.NamedEntity, error) {
	var out datatypes.NamedEntity
	err := c.do(ctx, http.MethodPut, firmsPath+"/"+url.PathEscape(id), patch, &out)
	return out, err
}

// ListRecords implements RecordAPI.
func (c *Client) ListRecords(ctx context.Context) ([]datatypes.Record, error) {
	var out []datatypes.Record
	if err := c.do(ctx, http.MethodGet, recordsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRecord implements RecordAPI.
func (c *Client) CreateRecord(ctx context.Context, in datatypes.RecordInput) (datatypes.Record, error) {
	var out datatypes.Record
	err := c.do(ctx, http.MethodPost, recordsPath, in, &out)
	return out, err
}

// UpdateRecord implements RecordAPI.
func (c *Client) UpdateRecord(ctx context.Context, id string, patch datatypes.RecordPatch) (datatypes.Record, error) {
	var out datatypes.Record
	err := c.do(ctx, http.MethodPut, recordsPath+"/"+url.PathEscape(id), patch, &out)
	return out, err
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
