package decision

import (
	"math"
	"strings"
	"time"

	"github.com/bilal/fleet-tracker/internal/geo"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/session"
)

// Reason is a bitmask of the thresholds that fired.
type Reason uint8

const (
	ReasonTime Reason = 1 << iota
	ReasonDistance
	ReasonHeading
)

func (r Reason) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	if r&ReasonTime != 0 {
		parts = append(parts, "time")
	}
	if r&ReasonDistance != 0 {
		parts = append(parts, "distance")
	}
	if r&ReasonHeading != 0 {
		parts = append(parts, "heading")
	}
	return strings.Join(parts, "+")
}

type Decision struct {
	Send           bool
	Reason         Reason
	TimeDiffSec    float64
	DistanceDiffM  float64
	HeadingDiffDeg float64
}

type ThresholdConfig struct {
	Interval   time.Duration
	DistanceM  float64
	HeadingDeg float64
}

// DefaultThresholds: one minute, three kilometres, 35 degrees.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{Interval: time.Minute, DistanceM: 3000, HeadingDeg: 35}
}

// Engine decides whether an accepted sample is a sync point.
type Engine struct {
	interval   time.Duration
	distanceM  float64
	headingDeg float64
}

func NewEngine(t ThresholdConfig) *Engine {
	d := DefaultThresholds()
	if t.Interval <= 0 {
		t.Interval = d.Interval
	}
	if t.DistanceM <= 0 {
		t.DistanceM = d.DistanceM
	}
	if t.HeadingDeg <= 0 {
		t.HeadingDeg = d.HeadingDeg
	}
	return &Engine{interval: t.Interval, distanceM: t.DistanceM, headingDeg: t.HeadingDeg}
}

// Evaluate compares the sample against the last sync point in st.
// A missing sync time counts from the epoch, so the first sample always fires.
func (e *Engine) Evaluate(st session.State, sample model.RawPosition, now time.Time) Decision {
	var lastSyncMs int64
	if st.LastSyncTimeMs != nil {
		lastSyncMs = *st.LastSyncTimeMs
	}
	d := Decision{
		TimeDiffSec: float64(now.UnixMilli()-lastSyncMs) / 1000,
	}

	if st.LastSyncCoordinate != nil {
		d.DistanceDiffM = geo.Distance(*st.LastSyncCoordinate, sample.Coordinate())
	}
	if st.LastSyncHeading != nil && sample.BearingDeg != nil {
		d.HeadingDiffDeg = geo.HeadingDelta(*st.LastSyncHeading, *sample.BearingDeg)
	}

	if d.TimeDiffSec >= e.interval.Seconds() {
		d.Reason |= ReasonTime
	}
	if d.DistanceDiffM >= e.distanceM {
		d.Reason |= ReasonDistance
	}
	if d.HeadingDiffDeg >= e.headingDeg {
		d.Reason |= ReasonHeading
	}
	d.Send = d.Reason != 0
	return d
}

// MarkSynced returns st with the sync point moved to sample. An unknown heading
// is stored as 0.
func MarkSynced(st session.State, sample model.RawPosition, now time.Time) session.State {
	out := st.Clone()
	c := sample.Coordinate()
	heading := 0.0
	if sample.BearingDeg != nil && !math.IsNaN(*sample.BearingDeg) {
		heading = *sample.BearingDeg
	}
	at := now.UnixMilli()
	out.LastSyncCoordinate = &c
	out.LastSyncHeading = &heading
	out.LastSyncTimeMs = &at
	return out
}
