// Package scheduler drives the polling cadence for every configured device.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/resident-x/go-pi30/internal/aggregator"
	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/resident-x/go-pi30/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Slow queries run every slowEvery status cycles.
	slowEvery = 2

	// Rated settings change only through front-panel reconfiguration, so a
	// daily refresh is enough after the startup read.
	ratedRefreshInterval = 24 * time.Hour

	publishTimeout = 5 * time.Second
)

// Device pairs a session with its polling options.
type Device struct {
	Session     *session.Session
	PVSecondary bool
}

// Scheduler polls every device on its own goroutine and hands results to the
// publisher. One device stalling or failing never delays the others.
type Scheduler struct {
	devices   []*Device
	interval  time.Duration
	publisher domain.MessagePublisher

	// Configured member count per group. Aggregates are only published for
	// groups with at least two members.
	groupSizes map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a scheduler for the given devices.
func New(interval time.Duration, publisher domain.MessagePublisher, devices []*Device) *Scheduler {
	groupSizes := make(map[string]int)
	for _, d := range devices {
		if g := d.Session.Snapshot().Identity.Group; g != "" {
			groupSizes[g]++
		}
	}
	return &Scheduler{
		devices:    devices,
		interval:   interval,
		publisher:  publisher,
		groupSizes: groupSizes,
		logger:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches one polling goroutine per device.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, d := range s.devices {
		s.wg.Add(1)
		go func(d *Device) {
			defer s.wg.Done()
			s.runDevice(ctx, d)
		}(d)
	}
	s.logger.Info().
		Int("devices", len(s.devices)).
		Dur("interval", s.interval).
		Msg("Scheduler started")
}

// Stop cancels all polling goroutines and waits for them to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// DeviceStates returns a snapshot of every device for read-only consumers.
func (s *Scheduler) DeviceStates() []domain.DeviceState {
	states := make([]domain.DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		states = append(states, d.Session.Snapshot())
	}
	return states
}

// runDevice is the polling loop for one device. Identity, firmware and rated
// settings are attempted at startup and retried each cycle until the first
// success, so a port that only opens later still gets its one-time reads.
// After that the ticker drives the fast and slow cadences, with rated
// settings refreshed daily.
func (s *Scheduler) runDevice(ctx context.Context, d *Device) {
	id := d.Session.Snapshot().Identity.ID
	logger := s.logger.With().Str("device", id).Logger()

	identityDone := s.query(ctx, d, domain.QueryIdentity, logger)
	firmwareDone := s.query(ctx, d, domain.QueryFirmware, logger)
	var lastRated time.Time
	if s.query(ctx, d, domain.QueryRatedSettings, logger) {
		lastRated = time.Now()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cycle++
		statusOK := s.query(ctx, d, domain.QueryStatus, logger)

		if !identityDone {
			identityDone = s.query(ctx, d, domain.QueryIdentity, logger)
		}
		if !firmwareDone {
			firmwareDone = s.query(ctx, d, domain.QueryFirmware, logger)
		}
		if d.PVSecondary {
			s.query(ctx, d, domain.QueryPVSecondary, logger)
		}
		if cycle%slowEvery == 0 {
			s.query(ctx, d, domain.QueryTemperatureStage, logger)
			s.query(ctx, d, domain.QueryMode, logger)
		}
		if lastRated.IsZero() || time.Since(lastRated) >= ratedRefreshInterval {
			if s.query(ctx, d, domain.QueryRatedSettings, logger) {
				lastRated = time.Now()
			}
		}

		if statusOK {
			s.publish(ctx, d, logger)
		}
	}
}

// query runs one query and reports success. Failures are logged only; the
// session tracks consecutive failures and availability.
func (s *Scheduler) query(ctx context.Context, d *Device, q domain.QueryType, logger zerolog.Logger) bool {
	if _, err := d.Session.Query(ctx, q); err != nil {
		if ctx.Err() == nil {
			logger.Debug().Err(err).Str("query", q.String()).Msg("Query failed")
		}
		return false
	}
	return true
}

// publish sends the current device state and, for groups with at least two
// members, the recomputed system aggregate.
func (s *Scheduler) publish(ctx context.Context, d *Device, logger zerolog.Logger) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	state := d.Session.Snapshot()
	if err := s.publisher.PublishDeviceState(pubCtx, state); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish device state")
	}

	if s.groupSizes[state.Identity.Group] < 2 {
		return
	}
	agg := aggregator.Aggregate(state.Identity.Group, s.DeviceStates())
	if err := s.publisher.PublishAggregate(pubCtx, agg); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish system aggregate")
	}
}
