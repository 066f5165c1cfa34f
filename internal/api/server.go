// Package api provides HTTP API functionality for the go-pi30 server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-pi30/internal/config"
	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/resident-x/go-pi30/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP API server that exposes device state for monitoring.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	source    domain.StateSource
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, source domain.StateSource) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		source:    source,
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Device endpoints
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	states := s.source.DeviceStates()
	available := 0
	for _, state := range states {
		if state.Available {
			available++
		}
	}

	status := map[string]interface{}{
		"status":           "ok",
		"uptime":           time.Since(s.startTime).String(),
		"deviceCount":      len(states),
		"availableDevices": available,
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListDevices returns a summary of every configured device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	states := s.source.DeviceStates()

	result := make([]map[string]interface{}, 0, len(states))
	for _, state := range states {
		result = append(result, map[string]interface{}{
			"id":               state.Identity.ID,
			"name":             state.Identity.Name,
			"port":             state.Identity.Port,
			"phase":            state.Identity.Role,
			"group":            state.Identity.Group,
			"available":        state.Available,
			"consecutiveFails": state.ConsecutiveFails,
			"lastSuccess":      state.LastSuccess,
		})
	}

	s.writeJSON(w, map[string]interface{}{
		"devices": result,
		"count":   len(result),
	}, http.StatusOK)
}

// handleGetDevice returns the full state of a specific device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	for _, state := range s.source.DeviceStates() {
		if state.Identity.ID != id {
			continue
		}

		s.writeJSON(w, map[string]interface{}{
			"id":               state.Identity.ID,
			"name":             state.Identity.Name,
			"port":             state.Identity.Port,
			"phase":            state.Identity.Role,
			"group":            state.Identity.Group,
			"available":        state.Available,
			"consecutiveFails": state.ConsecutiveFails,
			"lastSuccess":      state.LastSuccess,
			"serialNumber":     state.SerialNumber,
			"firmwareVersion":  state.FirmwareVersion,
			"metrics":          pubsub.FlattenState(state),
		}, http.StatusOK)
		return
	}

	s.writeError(w, "Device not found", http.StatusNotFound)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
