// Package domain provides core domain models and interfaces for the go-pi30 application.
package domain

import (
	"context"
	"fmt"
	"math"
	"time"
)

// QueryType identifies one of the supported PI30 queries.
type QueryType int

const (
	QueryStatus QueryType = iota
	QueryPVSecondary
	QueryTemperatureStage
	QueryRatedSettings
	QueryMode
	QueryIdentity
	QueryFirmware
)

// AllQueryTypes lists every supported query in polling order.
var AllQueryTypes = []QueryType{
	QueryStatus,
	QueryPVSecondary,
	QueryTemperatureStage,
	QueryRatedSettings,
	QueryMode,
	QueryIdentity,
	QueryFirmware,
}

// String returns the string representation of the query type.
func (q QueryType) String() string {
	switch q {
	case QueryStatus:
		return "status"
	case QueryPVSecondary:
		return "pv_secondary"
	case QueryTemperatureStage:
		return "temperature_stage"
	case QueryRatedSettings:
		return "rated_settings"
	case QueryMode:
		return "mode"
	case QueryIdentity:
		return "identity"
	case QueryFirmware:
		return "firmware"
	default:
		return "unknown"
	}
}

// MetricKind describes how a metric value is typed.
type MetricKind int

const (
	MetricInt MetricKind = iota
	MetricDecimal
	MetricText
	MetricEnum
	MetricFlag
)

// Metric is a single decoded reading with its unit and presentation precision.
type Metric struct {
	Kind      MetricKind
	Unit      string
	Precision int
	Number    float64
	Text      string
	Code      string
	Label     string
	Flag      bool
}

// Display returns the value as it should appear in a state payload: numbers
// rounded to their presentation precision, enums as their label, flags as bool.
func (m Metric) Display() interface{} {
	switch m.Kind {
	case MetricInt:
		return int64(math.Round(m.Number))
	case MetricDecimal:
		scale := math.Pow10(m.Precision)
		return math.Round(m.Number*scale) / scale
	case MetricText:
		return m.Text
	case MetricEnum:
		return m.Label
	case MetricFlag:
		return m.Flag
	default:
		return nil
	}
}

// MetricSet is the decoded result of one query against one device.
type MetricSet struct {
	Query  QueryType
	Taken  time.Time
	Values map[string]Metric
}

// DeviceIdentity is the stable configuration-time key for one physical
// inverter. Immutable for the process lifetime.
type DeviceIdentity struct {
	ID    string // topic-safe identifier
	Name  string // human-readable display name
	Port  string // serial device path
	Role  string // phase role: L1, L2, L3 or standalone
	Group string // aggregation group, empty when not aggregated
}

// DeviceState is a point-in-time snapshot of one device session. It is
// produced by the owning session and passed read-only to the aggregator,
// publisher and API.
type DeviceState struct {
	Identity         DeviceIdentity
	Metrics          map[QueryType]MetricSet
	Available        bool
	ConsecutiveFails int
	LastSuccess      time.Time
	SerialNumber     string
	FirmwareVersion  string
}

// Metric returns a named metric from the latest set of the given query type.
func (s DeviceState) Metric(query QueryType, name string) (Metric, bool) {
	set, ok := s.Metrics[query]
	if !ok {
		return Metric{}, false
	}
	m, ok := set.Values[name]
	return m, ok
}

// SystemAggregate holds power sums across the members of one phase group.
// Recomputed from current DeviceState every status cycle, never from history.
type SystemAggregate struct {
	Group         string
	Members       []string
	ActivePower   float64
	ApparentPower float64
	PVPower       float64
	Taken         time.Time
}

// SerialPort is the byte-level request/response channel to one inverter.
// Implementations classify failures into PortOpenError and PortIOError.
type SerialPort interface {
	// Open opens the underlying device.
	Open() error

	// Write sends raw bytes to the device.
	Write(data []byte) (int, error)

	// ReadUntil reads until the delimiter byte or the timeout elapses.
	ReadUntil(delim byte, timeout time.Duration) ([]byte, error)

	// SetControlLines drives the DTR and RTS control lines.
	SetControlLines(dtr, rts bool) error

	// Close closes the device.
	Close() error
}

// MessagePublisher defines the interface for publishing device data.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// PublishDeviceState publishes discovery (first-seen) and state for a device
	PublishDeviceState(ctx context.Context, state DeviceState) error

	// PublishAggregate publishes discovery and state for a system aggregate
	PublishAggregate(ctx context.Context, agg SystemAggregate) error

	// PublishAvailability marks a device online or offline
	PublishAvailability(ctx context.Context, deviceID string, online bool) error

	// Close terminates the connection to the messaging system
	Close() error
}

// StateSource exposes read-only device state snapshots for introspection.
type StateSource interface {
	DeviceStates() []DeviceState
}

// UnknownLabel formats the label for a code without a documented mapping.
func UnknownLabel(code string) string {
	return fmt.Sprintf("unknown(%s)", code)
}
