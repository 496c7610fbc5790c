package tracking

import "github.com/bilal/fleet-tracker/internal/model"

// Rejection names the filter that discarded a sample.
type Rejection string

const (
	Accepted         Rejection = ""
	RejectAccuracy   Rejection = "accuracy"
	RejectStationary Rejection = "stationary"
)

// Filter drops imprecise and stationary samples before they touch any state.
type Filter struct {
	MaxAccuracyM float64
	MinSpeedKmh  float64
}

func DefaultFilter() Filter {
	return Filter{MaxAccuracyM: 25, MinSpeedKmh: 0.1}
}

// Check returns Accepted or the first filter that rejected raw. An unknown
// accuracy passes; an unknown speed counts as zero.
func (f Filter) Check(raw model.RawPosition) Rejection {
	if raw.AccuracyM != nil && *raw.AccuracyM > f.MaxAccuracyM {
		return RejectAccuracy
	}
	if raw.SpeedKmh() < f.MinSpeedKmh {
		return RejectStationary
	}
	return Accepted
}
