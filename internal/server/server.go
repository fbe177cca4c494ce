// Package server exposes the collector daemon's HTTP surface: a batch ingest
// endpoint fed by remote collectors using the http transport, and a read-only
// query API over the stored events and aggregates.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/apiscope/apiscope/internal/config"
	"github.com/apiscope/apiscope/internal/event"
	"github.com/apiscope/apiscope/internal/storage"
	"github.com/apiscope/apiscope/internal/transport"
)

const maxIngestBytes = 32 << 20

// Server routes ingest and query requests to the storage engine.
type Server struct {
	cfg   config.ServerConfig
	store *storage.Store
	mux   *http.ServeMux
}

// New builds the server around an open store.
func New(cfg config.ServerConfig, store *storage.Store) *Server {
	s := &Server{cfg: cfg, store: store, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the routed handler, for embedding in an http.Server or a
// test harness.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/batches", s.handleIngest)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/v1/statistics", s.handleStatistics)
	s.mux.HandleFunc("GET /api/v1/dependencies", s.handleDependencies)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// handleIngest accepts one batch per request, mirroring what the http
// transport sends. Persistence is synchronous: a 2xx means the batch is
// committed, anything else tells the sender to retry or drop per its policy.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var batch event.Batch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err := dec.Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch: "+err.Error())
		return
	}
	if batch.ID == "" {
		writeError(w, http.StatusBadRequest, "batch has no id")
		return
	}

	if err := s.store.Deliver(r.Context(), batch); err != nil {
		switch {
		case errors.Is(err, event.ErrInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, transport.ErrPermanent):
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		default:
			log.Error().Err(err).Str("batch", batch.ID).Msg("Failed to store ingested batch")
			writeError(w, http.StatusInternalServerError, "storage error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": batch.ID,
		"events":   batch.Len(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		ServiceName: q.Get("service"),
		Method:      q.Get("method"),
		TargetHost:  q.Get("host"),
	}

	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if filter.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	if filter.Offset, err = parseInt(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}

	events, err := s.store.Events(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Event query failed")
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.EndpointStatisticsFor(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		log.Error().Err(err).Msg("Statistics query failed")
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	if stats == nil {
		stats = []storage.EndpointStatistics{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.ServiceDependencies(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Dependency query failed")
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	if deps == nil {
		deps = []storage.ServiceDependency{}
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueryStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Storage stats query failed")
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.store.Failed() {
		writeError(w, http.StatusServiceUnavailable, "storage failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseTime accepts RFC 3339 or Unix seconds. Empty means unset.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
