// Package service provides implementation of the core application server.
package service

import (
	"context"
	"time"

	"github.com/resident-x/go-pi30/internal/api"
	"github.com/resident-x/go-pi30/internal/config"
	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/resident-x/go-pi30/internal/protocol"
	"github.com/resident-x/go-pi30/internal/scheduler"
	"github.com/resident-x/go-pi30/internal/session"
	"github.com/resident-x/go-pi30/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PollingServer owns the serial sessions, the polling scheduler, the message
// publisher and the HTTP API. One instance covers every configured device.
type PollingServer struct {
	config    *config.Config
	publisher domain.MessagePublisher
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	sessions  []*session.Session
	logger    zerolog.Logger
	startTime time.Time
}

// NewPollingServer creates the full polling pipeline from configuration.
func NewPollingServer(cfg *config.Config, publisher domain.MessagePublisher) (*PollingServer, error) {
	logger := log.With().Str("component", "server").Logger()

	codec, err := protocol.NewCodec()
	if err != nil {
		return nil, err
	}

	server := &PollingServer{
		config:    cfg,
		publisher: publisher,
		logger:    logger,
	}

	// Availability changes are published promptly rather than waiting for the
	// next status cycle. The callback runs on the device's polling goroutine,
	// so the publish happens on its own goroutine.
	onAvailability := func(deviceID string, online bool) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.PublishAvailability(ctx, deviceID, online); err != nil {
				logger.Warn().
					Err(err).
					Str("device", deviceID).
					Bool("online", online).
					Msg("Failed to publish availability")
			}
		}()
	}

	devices := make([]*scheduler.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		path := dc.Port
		if cfg.PreferStablePaths {
			path = transport.PreferStablePath(path)
		}

		identity := domain.DeviceIdentity{
			ID:    dc.ID(),
			Name:  dc.Name,
			Port:  path,
			Role:  dc.Phase,
			Group: dc.Group,
		}

		port := transport.NewPort(path, dc.BaudRate)
		sess := session.New(identity, port, codec,
			time.Duration(dc.ReadTimeoutSeconds)*time.Second,
			dc.FailureThreshold, onAvailability)
		server.sessions = append(server.sessions, sess)
		devices = append(devices, &scheduler.Device{
			Session:     sess,
			PVSecondary: dc.PVSecondary,
		})

		logger.Info().
			Str("device", identity.ID).
			Str("port", path).
			Str("phase", identity.Role).
			Str("group", identity.Group).
			Msg("Configured device")
	}

	server.scheduler = scheduler.New(
		time.Duration(cfg.ReadIntervalSeconds)*time.Second,
		publisher, devices)

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		server.apiServer = api.NewServer(cfg, server.scheduler)
	}

	return server, nil
}

// Start launches the scheduler and the HTTP API server.
func (s *PollingServer) Start(ctx context.Context) error {
	s.startTime = time.Now()

	s.scheduler.Start(ctx)

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return err
		}
	}

	s.logger.Info().
		Int("devices", len(s.sessions)).
		Msg("Server started")
	return nil
}

// Stop gracefully shuts down all server components.
func (s *PollingServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	// Stop polling first so nothing touches the ports or the publisher below.
	s.scheduler.Stop()

	for _, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close serial session")
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	return nil
}

// DeviceStates exposes the current device snapshots.
func (s *PollingServer) DeviceStates() []domain.DeviceState {
	return s.scheduler.DeviceStates()
}
