// Package session manages the lifecycle of one serial link to one inverter.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/resident-x/go-pi30/internal/protocol"
	"github.com/resident-x/go-pi30/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State describes the serial link lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

// String returns the string representation of the session state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second

	// Wake pulse width for the DTR/RTS toggle after opening the port.
	wakePulse = 100 * time.Millisecond
)

// ErrReopenPending is returned while the session waits out its reopen backoff.
var ErrReopenPending = errors.New("port reopen pending")

// AvailabilityFunc is notified when a device crosses its availability
// threshold in either direction. It is called on the querying goroutine
// without any session lock held.
type AvailabilityFunc func(deviceID string, online bool)

// Session owns one serial port, issues queries over it and tracks the device
// state derived from the responses. All methods are safe for concurrent use.
// Port I/O is serialized by ioMu; mu guards only in-memory state and is never
// held across a port operation or a sleep, so Snapshot and State stay
// responsive while a read is in flight.
type Session struct {
	ioMu sync.Mutex // serializes open/write/read against the port
	mu   sync.Mutex // guards the fields below

	port  domain.SerialPort
	codec *protocol.Codec

	readTimeout      time.Duration
	failureThreshold int

	state       State
	backoff     time.Duration
	nextAttempt time.Time

	device         domain.DeviceState
	onAvailability AvailabilityFunc

	logger zerolog.Logger
}

// New creates a session for one device. The port is opened lazily on the
// first query.
func New(identity domain.DeviceIdentity, port domain.SerialPort, codec *protocol.Codec, readTimeout time.Duration, failureThreshold int, onAvailability AvailabilityFunc) *Session {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Session{
		port:             port,
		codec:            codec,
		readTimeout:      readTimeout,
		failureThreshold: failureThreshold,
		state:            StateClosed,
		backoff:          backoffInitial,
		device: domain.DeviceState{
			Identity: identity,
			Metrics:  make(map[domain.QueryType]domain.MetricSet),
		},
		onAvailability: onAvailability,
		logger: log.With().
			Str("component", "session").
			Str("device", identity.ID).
			Logger(),
	}
}

// Query issues one PI30 query and folds the result into the device state.
// Errors never escalate beyond this session: a failed query counts against the
// availability threshold and the next cycle proceeds normally.
func (s *Session) Query(ctx context.Context, q domain.QueryType) (domain.MetricSet, error) {
	if err := ctx.Err(); err != nil {
		return domain.MetricSet{}, err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.ensureOpen(); err != nil {
		s.recordFailure(q, err)
		return domain.MetricSet{}, err
	}

	if _, err := s.port.Write(s.codec.Encode(q)); err != nil {
		s.handleIOError(err)
		s.recordFailure(q, err)
		return domain.MetricSet{}, err
	}

	raw, err := s.port.ReadUntil(protocol.FrameEnd, s.readTimeout)
	if err != nil {
		s.handleIOError(err)
		s.recordFailure(q, err)
		return domain.MetricSet{}, err
	}

	set, err := s.codec.Decode(q, raw)
	if err != nil {
		// Decode failures are frame-level, not link-level. The port stays open.
		s.recordFailure(q, err)
		return domain.MetricSet{}, err
	}

	s.recordSuccess(set)
	return set, nil
}

// ensureOpen opens the port if needed, honouring the reopen backoff. Caller
// holds ioMu; mu is taken only around state transitions, never across the
// open call or the wake pulse.
func (s *Session) ensureOpen() error {
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if !s.nextAttempt.IsZero() && time.Now().Before(s.nextAttempt) {
		wait := time.Until(s.nextAttempt).Round(time.Millisecond)
		s.mu.Unlock()
		return fmt.Errorf("%w (next attempt in %s)", ErrReopenPending, wait)
	}
	s.state = StateOpening
	s.mu.Unlock()

	if err := s.port.Open(); err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.scheduleReopenLocked()
		backoff := s.backoff
		s.mu.Unlock()
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Failed to open port")
		return err
	}

	// Pulse the control lines low then high. Some USB adapters leave the
	// inverter UART asleep until the lines settle.
	if err := s.port.SetControlLines(false, false); err != nil {
		s.logger.Debug().Err(err).Msg("Control line toggle not supported")
	} else {
		time.Sleep(wakePulse)
		if err := s.port.SetControlLines(true, true); err != nil {
			s.logger.Debug().Err(err).Msg("Control line toggle not supported")
		}
	}

	s.mu.Lock()
	s.state = StateOpen
	s.backoff = backoffInitial
	s.nextAttempt = time.Time{}
	s.mu.Unlock()
	s.logger.Info().Msg("Serial port open")
	return nil
}

// handleIOError closes the port on link-level failures so the next query
// reopens it. Read timeouts leave the port open.
func (s *Session) handleIOError(err error) {
	var ioErr *transport.PortIOError
	if !errors.As(err, &ioErr) {
		return
	}
	s.logger.Warn().Err(err).Msg("Closing port after I/O error")
	_ = s.port.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.scheduleReopenLocked()
	s.mu.Unlock()
}

// scheduleReopenLocked arms the reopen backoff. Caller holds mu.
func (s *Session) scheduleReopenLocked() {
	s.nextAttempt = time.Now().Add(s.backoff)
	s.backoff *= 2
	if s.backoff > backoffMax {
		s.backoff = backoffMax
	}
}

func (s *Session) recordFailure(q domain.QueryType, err error) {
	s.mu.Lock()
	s.device.ConsecutiveFails++
	fails := s.device.ConsecutiveFails
	wentOffline := false
	if s.device.Available && fails >= s.failureThreshold {
		s.device.Available = false
		wentOffline = true
	}
	s.mu.Unlock()

	s.logger.Debug().
		Err(err).
		Str("query", q.String()).
		Int("consecutive_fails", fails).
		Msg("Query failed")

	if wentOffline {
		s.logger.Warn().
			Int("consecutive_fails", fails).
			Msg("Device marked offline")
		if s.onAvailability != nil {
			s.onAvailability(s.device.Identity.ID, false)
		}
	}
}

func (s *Session) recordSuccess(set domain.MetricSet) {
	s.mu.Lock()
	s.device.Metrics[set.Query] = set
	s.device.ConsecutiveFails = 0
	s.device.LastSuccess = set.Taken

	switch set.Query {
	case domain.QueryIdentity:
		if m, ok := set.Values["serial_number"]; ok {
			s.device.SerialNumber = m.Text
		}
	case domain.QueryFirmware:
		if m, ok := set.Values["firmware_version"]; ok {
			s.device.FirmwareVersion = m.Text
		}
	}

	wentOnline := !s.device.Available
	s.device.Available = true
	s.mu.Unlock()

	if wentOnline {
		s.logger.Info().Msg("Device online")
		if s.onAvailability != nil {
			s.onAvailability(s.device.Identity.ID, true)
		}
	}
}

// State returns the current link state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a deep copy of the device state for read-only consumers.
// It never waits on port I/O.
func (s *Session) Snapshot() domain.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.device
	snap.Metrics = make(map[domain.QueryType]domain.MetricSet, len(s.device.Metrics))
	for q, set := range s.device.Metrics {
		values := make(map[string]domain.Metric, len(set.Values))
		for name, m := range set.Values {
			values[name] = m
		}
		set.Values = values
		snap.Metrics[q] = set
	}
	return snap
}

// Close releases the serial port after any in-flight query finishes.
func (s *Session) Close() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.port.Close()
}
