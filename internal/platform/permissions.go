package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/bilal/fleet-tracker/internal/tracking"
)

// ConfigPermissions answers the permission check from configuration. Both
// foreground and background location must be granted.
type ConfigPermissions struct {
	mu         sync.RWMutex
	location   bool
	background bool
}

func NewConfigPermissions(location, background bool) *ConfigPermissions {
	return &ConfigPermissions{location: location, background: background}
}

func (p *ConfigPermissions) Check(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.location {
		return fmt.Errorf("%w: foreground location", tracking.ErrPermissionDenied)
	}
	if !p.background {
		return fmt.Errorf("%w: background location", tracking.ErrPermissionDenied)
	}
	return nil
}

func (p *ConfigPermissions) Set(location, background bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.location, p.background = location, background
}
