// Package point defines the four-remote data model used across all
// protocol drivers: Telemetry (analog in), Signal (digital in),
// Control (digital out) and Adjustment (analog out).
package point

import "time"

// ID identifies one data point within a device's address space.
// It is opaque to the core and immutable once assigned.
type ID string

// Kind is one of the four remote types.
type Kind int

const (
	KindTelemetry Kind = iota + 1
	KindSignal
	KindControl
	KindAdjustment
)

// Code returns the conventional single-letter code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindTelemetry:
		return "T"
	case KindSignal:
		return "S"
	case KindControl:
		return "C"
	case KindAdjustment:
		return "A"
	default:
		return "?"
	}
}

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindSignal:
		return "signal"
	case KindControl:
		return "control"
	case KindAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// IsInput reports whether the kind flows device → system.
func (k Kind) IsInput() bool {
	return k == KindTelemetry || k == KindSignal
}

// IsOutput reports whether the kind flows system → device.
func (k Kind) IsOutput() bool {
	return k == KindControl || k == KindAdjustment
}

// IsAnalog reports whether the kind carries a float value.
func (k Kind) IsAnalog() bool {
	return k == KindTelemetry || k == KindAdjustment
}

// IsDigital reports whether the kind carries a boolean value.
func (k Kind) IsDigital() bool {
	return k == KindSignal || k == KindControl
}

// Quality indicates how much a value can be trusted.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualityStale
	QualityNotConnected
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	case QualityBad:
		return "Bad"
	case QualityStale:
		return "Stale"
	case QualityNotConnected:
		return "NotConnected"
	default:
		return "Unknown"
	}
}

// IsGood reports whether the value is fresh and reliable.
func (q Quality) IsGood() bool {
	return q == QualityGood
}

// IsUsable reports whether a consumer may treat the value as current.
// Bad and NotConnected values must never be used as fresh data.
func (q Quality) IsUsable() bool {
	return q == QualityGood || q == QualityUncertain
}

// Telemetry is an input-direction analog measurement.
type Telemetry struct {
	ID        ID
	Value     float64
	Quality   Quality
	Timestamp time.Time
}

// Signal is an input-direction digital status.
type Signal struct {
	ID        ID
	Value     bool
	Quality   Quality
	Timestamp time.Time
}

// Control is an output-direction digital command. It is a request,
// not a measurement, so it carries no quality or timestamp.
type Control struct {
	ID      ID
	Command bool
}

// Adjustment is an output-direction analog setpoint request.
type Adjustment struct {
	ID    ID
	Value float64
}

// NewTelemetry creates a Good-quality telemetry point stamped now.
func NewTelemetry(id ID, value float64) Telemetry {
	return Telemetry{ID: id, Value: value, Quality: QualityGood, Timestamp: time.Now()}
}

// NewSignal creates a Good-quality signal point stamped now.
func NewSignal(id ID, value bool) Signal {
	return Signal{ID: id, Value: value, Quality: QualityGood, Timestamp: time.Now()}
}
