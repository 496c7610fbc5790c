package model

import "time"

// Event codes carried in PositionRecord.EventCode.
const (
	EventPeriodic = 0
	EventTrip     = 239 // trip start (ignition on) and trip end (ignition off)
)

const (
	DefaultPriority   = 1
	DefaultBatteryPct = 100
	DefaultPowerVolts = 12.0
)

// Coordinate is a WGS84 point in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RawPosition is one reading as delivered by the location-services collaborator.
// Optional fields are nil when the platform did not report them.
type RawPosition struct {
	Latitude    float64  `json:"lat"`
	Longitude   float64  `json:"lon"`
	SpeedMps    *float64 `json:"speedMps,omitempty"`
	BearingDeg  *float64 `json:"bearingDeg,omitempty"`
	AltitudeM   *float64 `json:"altitudeM,omitempty"`
	AccuracyM   *float64 `json:"accuracyM,omitempty"`
	TimestampMs int64    `json:"timestampMs"`
}

func (r RawPosition) Coordinate() Coordinate {
	return Coordinate{Latitude: r.Latitude, Longitude: r.Longitude}
}

// SpeedKmh converts the reported speed; a missing speed counts as stationary.
func (r RawPosition) SpeedKmh() float64 {
	if r.SpeedMps == nil {
		return 0
	}
	return *r.SpeedMps * 3.6
}

// PositionRecord is one captured sample, both history row and queue entry.
// Everything except Sent is immutable after creation.
type PositionRecord struct {
	ID         uint64
	DeviceID   string
	Latitude   float64
	Longitude  float64
	SpeedKmh   float64
	BearingDeg float64
	AltitudeM  float64
	Timestamp  int64 // unix seconds
	Ignition   bool
	BatteryPct int
	EventCode  int
	PowerVolts float64
	Priority   int
	AccuracyM  *float64
	Sent       bool
	CreatedAt  time.Time
}

// RecordOptions are the non-positional fields of a record.
type RecordOptions struct {
	Ignition   bool
	BatteryPct int
	EventCode  int
	PowerVolts float64
	Priority   int
}

// NewRecord maps a raw reading to an unsent record.
func NewRecord(deviceID string, raw RawPosition, opts RecordOptions) PositionRecord {
	rec := PositionRecord{
		DeviceID:   deviceID,
		Latitude:   raw.Latitude,
		Longitude:  raw.Longitude,
		SpeedKmh:   raw.SpeedKmh(),
		Timestamp:  raw.TimestampMs / 1000,
		Ignition:   opts.Ignition,
		BatteryPct: opts.BatteryPct,
		EventCode:  opts.EventCode,
		PowerVolts: opts.PowerVolts,
		Priority:   opts.Priority,
	}
	if raw.BearingDeg != nil {
		rec.BearingDeg = *raw.BearingDeg
	}
	if raw.AltitudeM != nil {
		rec.AltitudeM = *raw.AltitudeM
	}
	if raw.AccuracyM != nil && *raw.AccuracyM > 0 {
		acc := *raw.AccuracyM
		rec.AccuracyM = &acc
	}
	if rec.BatteryPct <= 0 || rec.BatteryPct > 100 {
		rec.BatteryPct = DefaultBatteryPct
	}
	if rec.PowerVolts == 0 {
		rec.PowerVolts = DefaultPowerVolts
	}
	if rec.Priority == 0 {
		rec.Priority = DefaultPriority
	}
	return rec
}
