package platform

import (
	"sync"

	"github.com/bilal/fleet-tracker/internal/tracking"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogNotifier stands in for the ongoing-trip notification: it logs each update
// and keeps the last one for the status endpoint.
type LogNotifier struct {
	log zerolog.Logger

	mu      sync.RWMutex
	current *tracking.Progress
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Show(p tracking.Progress) {
	n.mu.Lock()
	n.current = &p
	n.mu.Unlock()
	n.log.Info().
		Float64("distance_km", p.DistanceKm).
		Float64("speed_kmh", p.SpeedKmh).
		Str("elapsed", p.Elapsed).
		Msg("route in progress")
}

func (n *LogNotifier) Clear() {
	n.mu.Lock()
	n.current = nil
	n.mu.Unlock()
	n.log.Info().Msg("route notification cleared")
}

// shown returns the displayed progress, if any.
func (n *LogNotifier) shown() (tracking.Progress, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.current == nil {
		return tracking.Progress{}, false
	}
	return *n.current, true
}
