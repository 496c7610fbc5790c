package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/bilal/fleet-tracker/internal/model"
)

// ErrUpdatesStopped is returned by Deliver while location updates are off.
var ErrUpdatesStopped = errors.New("platform: location updates not started")

// PushLocationSource is fed by the ingress endpoint. It remembers the last
// known position whether or not updates are started, the way a platform
// location service keeps its last fix.
type PushLocationSource struct {
	mu      sync.RWMutex
	started bool
	last    *model.RawPosition
}

func NewPushLocationSource() *PushLocationSource {
	return &PushLocationSource{}
}

func (s *PushLocationSource) Start(_ context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *PushLocationSource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *PushLocationSource) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *PushLocationSource) LastKnown() (model.RawPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return model.RawPosition{}, false
	}
	return *s.last, true
}

// Deliver records the newest sample of batch as the last known position and
// reports ErrUpdatesStopped when the batch should not reach the tracker.
func (s *PushLocationSource) Deliver(batch []model.RawPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range batch {
		if s.last == nil || batch[i].TimestampMs >= s.last.TimestampMs {
			p := batch[i]
			s.last = &p
		}
	}
	if !s.started {
		return ErrUpdatesStopped
	}
	return nil
}
