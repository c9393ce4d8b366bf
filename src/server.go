// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"docagent/src/documents"
	"docagent/src/logging"
	"docagent/src/rpc"
	"docagent/src/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GlobalStats is the store-wide view served by /global-status.
type GlobalStats struct {
	store.Summary
	InFlight int64 `json:"follow_ups_in_flight"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	tasks     *store.TaskStore
	documents documents.Store
	stats     *logging.AgentStats
	rpc       http.Handler
	mcp       http.Handler
	origins   []string
}

type APIServerConfig struct {
	Tasks          *store.TaskStore
	Documents      documents.Store
	Stats          *logging.AgentStats
	RPC            http.Handler
	MCP            http.Handler
	AllowedOrigins []string
}

func NewAPIServer(cfg APIServerConfig) *APIServer {
	return &APIServer{
		tasks:     cfg.Tasks,
		documents: cfg.Documents,
		stats:     cfg.Stats,
		rpc:       cfg.RPC,
		mcp:       cfg.MCP,
		origins:   cfg.AllowedOrigins,
	}
}

// Handler returns the routed, instrumented handler.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/a2a", s.rpc)
	mux.Handle("/api/a2a", s.rpc)
	mux.HandleFunc("GET /tasks/{id}", rpc.TaskHandler(s.tasks))
	mux.HandleFunc("GET /documents/{id}", s.documentHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}

	// CRITICAL: We must use the returned handler from otelhttp.NewHandler
	return otelhttp.NewHandler(s.cors(mux), "agent-api-server")
}

// Run serves on port until ctx ends, then shuts down within timeout.
func (s *APIServer) Run(ctx context.Context, port string, timeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

// cors answers preflight requests and tags responses for allowed origins.
// Preflights never reach the RPC handler, which rejects non-POST methods.
func (s *APIServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			if slices.Contains(s.origins, "*") {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-TELEX-API-KEY")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	summary, _ := s.tasks.Summarize(nil, "")
	gs := GlobalStats{Summary: summary}
	if s.stats != nil {
		gs.InFlight = s.stats.GetStats().FollowUpsInFlight
	}
	_ = json.NewEncoder(w).Encode(gs)
}

func (s *APIServer) documentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, documents.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.LogContext(r.Context(), slog.LevelError, "failed to load document", "id", r.PathValue("id"), "error", err)
		http.Error(w, "Failed to load document", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Name))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(doc.Data)
}
