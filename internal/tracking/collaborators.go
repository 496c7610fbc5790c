package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bilal/fleet-tracker/internal/model"
)

var (
	ErrPermissionDenied  = errors.New("tracking: location permission denied")
	ErrInvalidTransition = errors.New("tracking: invalid state transition")
	ErrNotTracking       = errors.New("tracking: no active session")
)

// Permissions is asked before every start.
type Permissions interface {
	Check(ctx context.Context) error
}

type WakeLock interface {
	Acquire() error
	Release() error
}

// LocationSource is the platform location service.
type LocationSource interface {
	Start(ctx context.Context) error
	Stop() error
	LastKnown() (model.RawPosition, bool)
}

// Progress is the payload of the ongoing-trip notification.
type Progress struct {
	DistanceKm float64 `json:"distanceKm"`
	SpeedKmh   float64 `json:"speedKmh"`
	Elapsed    string  `json:"elapsedTime"`
}

func (p Progress) String() string {
	return fmt.Sprintf("%.2f km, %.0f km/h, %s", p.DistanceKm, p.SpeedKmh, p.Elapsed)
}

type Notifier interface {
	Show(p Progress)
	Clear()
}

// Battery reports the charge level in percent.
type Battery interface {
	Level() (int, error)
}

// formatElapsed renders d as HH:MM.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}
