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
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T, opts ServerOptions) (*Server, *Client) {
	t.Helper()
	if opts.Clock == nil {
		fixed := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
		opts.Clock = func() time.Time { return fixed }
	}
	srv := NewServer(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, NewClient(ts.URL).WithRateLimit(0, 0)
}

func ptr[T any](v T) *T { return &v }

func TestStatusError_Is(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrConflict},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusUnprocessableEntity, ErrValidation},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusRequestTimeout, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := error(&StatusError{Status: tt.status, Message: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("teapot matches nothing", func(t *testing.T) {
		err := error(&StatusError{Status: http.StatusTeapot})
		for _, target := range []error{ErrConflict, ErrValidation, ErrNotFound, ErrUnavailable} {
			assert.False(t, errors.Is(err, target))
		}
	})
}

func TestClient_CreateAndListFirms(t *testing.T) {
	ctx := context.Background()
	_, client := newTestAPI(t, ServerOptions{})

	created, err := client.CreateEntity(ctx, datatypes.EntityInput{Name: "  Rainbow Dyers "})
	require.NoError(t, err)
	assert.Equal(t, "1", created.ID)
	assert.Equal(t, "Rainbow Dyers", created.Name)
	assert.True(t, created.IsActive)

	firms, err := client.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, firms, 1)
	assert.Equal(t, created, firms[0])
}

func TestClient_DuplicateNameConflicts(t *testing.T) {
	ctx := context.Background()
	_, client := newTestAPI(t, ServerOptions{Firms: []string{"Rainbow Dyers"}})

	_, err := client.CreateEntity(ctx, datatypes.EntityInput{Name: "rainbow dyers"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Message, "already exists")
}

func TestClient_ValidationRejected(t *testing.T) {
	ctx := context.Background()
	_, client := newTestAPI(t, ServerOptions{})

	_, err := client.CreateEntity(ctx, datatypes.EntityInput{Name: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = client.CreateRecord(ctx, datatypes.RecordInput{DyeingFirm: "A"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClient_UpdateFirm(t *testing.T) {
	ctx := context.Background()
	_, client := newTestAPI(t, ServerOptions{Firms: []string{"Kaveri", "Annapoorna"}})

	t.Run("rename rewrites records", func(t *testing.T) {
		rec, err := client.CreateRecord(ctx, datatypes.RecordInput{
			DyeingFirm: "kaveri",
			PartyName:  "Lakshmi Mills",
			YarnType:   "30s cotton",
			Quantity:   120,
			SentDate:   strfmt.Date(time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC)),
		})
		require.NoError(t, err)

		updated, err := client.UpdateEntity(ctx, "1", datatypes.EntityPatch{Name: ptr("Kaveri Processors")})
		require.NoError(t, err)
		assert.Equal(t, "Kaveri Processors", updated.Name)

		records, err := client.ListRecords(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, rec.ID, records[0].ID)
		assert.Equal(t, "Kaveri Processors", records[0].DyeingFirm)
	})

	t.Run("rename onto another firm conflicts", func(t *testing.T) {
		_, err := client.UpdateEntity(ctx, "1", datatypes.EntityPatch{Name: ptr("ANNAPOORNA")})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("case change of own name is allowed", func(t *testing.T) {
		updated, err := client.UpdateEntity(ctx, "2", datatypes.EntityPatch{Name: ptr("ANNAPOORNA")})
		require.NoError(t, err)
		assert.Equal(t, "ANNAPOORNA", updated.Name)
	})

	t.Run("deactivate", func(t *testing.T) {
		updated, err := client.UpdateEntity(ctx, "2", datatypes.EntityPatch{IsActive: ptr(false)})
		require.NoError(t, err)
		assert.False(t, updated.IsActive)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := client.UpdateEntity(ctx, "99", datatypes.EntityPatch{IsActive: ptr(false)})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClient_UpdateRecord(t *testing.T) {
	ctx := context.Background()
	_, client := newTestAPI(t, ServerOptions{})

	rec, err := client.CreateRecord(ctx, datatypes.RecordInput{
		DyeingFirm: "Kaveri",
		PartyName:  "Lakshmi Mills",
		YarnType:   "40s combed",
		Quantity:   50,
		SentDate:   strfmt.Date(time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	updated, err := client.UpdateRecord(ctx, rec.ID, datatypes.RecordPatch{Quantity: ptr(75.5)})
	require.NoError(t, err)
	assert.Equal(t, 75.5, updated.Quantity)
	assert.Equal(t, rec.SentDate.String(), updated.SentDate.String())

	_, err = client.UpdateRecord(ctx, "nope", datatypes.RecordPatch{Quantity: ptr(1.0)})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = client.UpdateRecord(ctx, rec.ID, datatypes.RecordPatch{Quantity: ptr(-1.0)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClient_Unavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("backend offline", func(t *testing.T) {
		srv, client := newTestAPI(t, ServerOptions{Firms: []string{"Kaveri"}})
		srv.SetAvailable(false)

		_, err := client.ListEntities(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)
		_, err = client.CreateEntity(ctx, datatypes.EntityInput{Name: "New"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 1, srv.FirmCount())

		require.NoError(t, client.Health(ctx), "health stays up while the API is offline")

		srv.SetAvailable(true)
		firms, err := client.ListEntities(ctx)
		require.NoError(t, err)
		assert.Len(t, firms, 1)
	})

	t.Run("connection refused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		client := NewClient(url).WithTimeout(time.Second)
		_, err := client.ListEntities(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("undecodable body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "<html>")
		}))
		t.Cleanup(ts.Close)

		_, err := NewClient(ts.URL).ListEntities(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestClient_CancelledContextIsNotUnavailable(t *testing.T) {
	_, client := newTestAPI(t, ServerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListEntities(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	_, client := newTestAPI(t, ServerOptions{})
	client.WithRateLimit(0.001, 1)

	ctx := context.Background()
	_, err := client.ListEntities(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = client.ListEntities(short)
	assert.Error(t, err)
}

func TestServer_Metrics(t *testing.T) {
	srv := NewServer(ServerOptions{Metrics: true})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, err := NewClient(ts.URL).WithRateLimit(0, 0).ListEntities(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "millsync_api_requests_total"))
}
