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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/millsync/services/refdata/datatypes"
)

var apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "millsync_api_requests_total",
	Help: "Requests served by the development ERP API by route and status",
}, []string{"route", "status"})

// ServerOptions configures a development Server.
type ServerOptions struct {
	// Logger receives request logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Clock stamps created and updated entities. Nil uses time.Now.
	Clock func() time.Time

	// Firms seeds the firm list.
	Firms []string

	// Metrics mounts promhttp at /metrics.
	Metrics bool

	// Tracing adds the otelgin middleware.
	Tracing bool
}

// Server is an in-memory implementation of the ERP REST API used by the
// CLI in development and by tests.
//
// # Description
//
// Firm names are unique case-insensitively: a duplicate create or rename is
// rejected with 409. Renaming a firm rewrites the dyeingFirm of its
// records. SetAvailable(false) makes every /api route answer 503, which is
// how tests and demos take the backend offline.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	logger    *slog.Logger
	clock     func() time.Time
	router    *gin.Engine
	available atomic.Bool

	mu      sync.Mutex
	firms   []datatypes.NamedEntity
	records []datatypes.Record
	nextID  int
}

// NewServer creates a development API with its routes registered.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		logger: opts.Logger,
		clock:  opts.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.available.Store(true)
	for _, name := range opts.Firms {
		s.insertFirm(datatypes.EntityInput{Name: name})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Tracing {
		router.Use(otelgin.Middleware("millsync-api"))
	}
	router.Use(s.observe())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api", s.requireAvailable())
	api.GET("/dyeing-firms", s.listFirms)
	api.POST("/dyeing-firms", s.createFirm)
	api.PUT("/dyeing-firms/:id", s.updateFirm)
	api.GET("/dyeing-records", s.listRecords)
	api.POST("/dyeing-records", s.createRecord)
	api.PUT("/dyeing-records/:id", s.updateRecord)

	s.router = router
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetAvailable toggles simulated outage.
func (s *Server) SetAvailable(up bool) {
	s.available.Store(up)
}

// FirmCount returns the number of stored firms.
func (s *Server) FirmCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.firms)
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		apiRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.Debug("api request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
		)
	}
}

func (s *Server) requireAvailable() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.available.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Error: "backend offline"})
			return
		}
		c.Next()
	}
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

// insertFirm stores a firm. Caller validates; s.mu must not be held.
func (s *Server) insertFirm(in datatypes.EntityInput) (datatypes.NamedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.firmByKey(datatypes.NormalizeName(in.Name)); ok {
		return datatypes.NamedEntity{}, false
	}
	now := s.clock()
	firm := datatypes.NamedEntity{
		ID:        s.newID(),
		Name:      strings.TrimSpace(in.Name),
		IsActive:  in.IsActive == nil || *in.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.firms = append(s.firms, firm)
	return firm, true
}

func (s *Server) firmByKey(key string) (int, bool) {
	for i, f := range s.firms {
		if f.Key() == key {
			return i, true
		}
	}
	return -1, false
}

func (s *Server) listFirms(c *gin.Context) {
	s.mu.Lock()
	out := append([]datatypes.NamedEntity(nil), s.firms...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) createFirm(c *gin.Context) {
	var in datatypes.EntityInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := datatypes.Validate(in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}
	firm, ok := s.insertFirm(in)
	if !ok {
		c.JSON(http.StatusConflict, errorBody{Error: "dyeing firm " + strconv.Quote(strings.TrimSpace(in.Name)) + " already exists"})
		return
	}
	c.JSON(http.StatusCreated, firm)
}

func (s *Server) updateFirm(c *gin.Context) {
	var patch datatypes.EntityPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := datatypes.Validate(patch); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, f := range s.firms {
		if f.ID == c.Param("id") {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.JSON(http.StatusNotFound, errorBody{Error: "dyeing firm not found"})
		return
	}

	old := s.firms[idx]
	updated := patch.Apply(old)
	if updated.Key() != old.Key() {
		if _, taken := s.firmByKey(updated.Key()); taken {
			c.JSON(http.StatusConflict, errorBody{Error: "dyeing firm " + strconv.Quote(updated.Name) + " already exists"})
			return
		}
	}
	updated.UpdatedAt = s.clock()
	s.firms[idx] = updated

	if updated.Name != old.Name {
		for i := range s.records {
			if datatypes.NormalizeName(s.records[i].DyeingFirm) == old.Key() {
				s.records[i].DyeingFirm = updated.Name
				s.records[i].UpdatedAt = updated.UpdatedAt
			}
		}
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) listRecords(c *gin.Context) {
	s.mu.Lock()
	out := append([]datatypes.Record(nil), s.records...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) createRecord(c *gin.Context) {
	var in datatypes.RecordInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := datatypes.Validate(in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	rec := in.ToRecord()
	rec.ID = s.newID()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records = append(s.records, rec)
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) updateRecord(c *gin.Context) {
	var patch datatypes.RecordPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := datatypes.Validate(patch); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID != c.Param("id") {
			continue
		}
		updated := patch.Apply(r)
		updated.UpdatedAt = s.clock()
		s.records[i] = updated
		c.JSON(http.StatusOK, updated)
		return
	}
	c.JSON(http.StatusNotFound, errorBody{Error: "dyeing record not found"})
}
