package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilal/fleet-tracker/internal/config"
	"github.com/bilal/fleet-tracker/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Drainer is the transmission engine as seen by the monitor.
type Drainer interface {
	DrainAsync(forceAll bool)
	PendingCount(ctx context.Context) (int64, error)
}

// Timing holds the monitor's schedule.
type Timing struct {
	LinkCheck      time.Duration
	Poll           time.Duration
	Wake           time.Duration
	ReconnectDelay time.Duration
	ProbeTimeout   time.Duration
	Retries        []time.Duration
}

func TimingFromConfig(c config.MonitorConfig) Timing {
	return Timing{
		LinkCheck:      c.CheckInterval(),
		Poll:           c.PollInterval(),
		Wake:           c.WakeInterval(),
		ReconnectDelay: c.ReconnectDelay(),
		ProbeTimeout:   c.ProbeTimeout(),
		Retries:        []time.Duration{3 * time.Second, 8 * time.Second},
	}
}

// Monitor keeps the "server reachable" signal current and triggers drains on
// reconnects, on a poll timer and on the periodic background wake.
type Monitor struct {
	timing   Timing
	probe    Prober
	link     LinkChecker
	drainer  Drainer
	tracking func() bool

	reachable atomic.Bool
	linkUp    atomic.Bool
	checking  atomic.Bool

	lastCheck atomic.Int64 // unix ms

	wg  sync.WaitGroup
	log zerolog.Logger
}

// New builds a monitor. link may be nil to skip the route check; tracking
// reports whether a trip is in progress.
func New(timing Timing, probe Prober, link LinkChecker, drainer Drainer, tracking func() bool) *Monitor {
	m := &Monitor{
		timing:   timing,
		probe:    probe,
		link:     link,
		drainer:  drainer,
		tracking: tracking,
		log:      log.With().Str("component", "monitor").Logger(),
	}
	// optimistic until the first probe says otherwise
	m.reachable.Store(true)
	m.linkUp.Store(true)
	metrics.SetReachable(true)
	return m
}

// NewFromConfig wires the configured probe and link check.
func NewFromConfig(cfg *config.Config, drainer Drainer, tracking func() bool) *Monitor {
	timing := TimingFromConfig(cfg.Monitor)

	var probe Prober
	switch cfg.Monitor.Probe {
	case "icmp":
		probe = NewPingProbe(cfg.Monitor.PingHost, timing.ProbeTimeout, true)
	default:
		probe = NewHTTPProbe(cfg.Monitor.HeartbeatURL, timing.ProbeTimeout)
	}

	var link LinkChecker
	if cfg.Monitor.LinkCheck {
		link = NewRouteChecker()
	}
	return New(timing, probe, link, drainer, tracking)
}

func (m *Monitor) Reachable() bool { return m.reachable.Load() }

func (m *Monitor) LinkUp() bool { return m.linkUp.Load() }

// LastCheck is the time of the last completed probe.
func (m *Monitor) LastCheck() (time.Time, bool) {
	ms := m.lastCheck.Load()
	return time.UnixMilli(ms), ms != 0
}

func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Msg("monitor started")

	m.Check(ctx)

	linkTicker := time.NewTicker(m.timing.LinkCheck)
	defer linkTicker.Stop()
	pollTicker := time.NewTicker(m.timing.Poll)
	defer pollTicker.Stop()
	wakeTicker := time.NewTicker(m.timing.Wake)
	defer wakeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("monitor stopping")
			return

		case <-linkTicker.C:
			m.checkLink(ctx)

		case <-pollTicker.C:
			if !m.LinkUp() {
				continue
			}
			m.Check(ctx)
			m.drainer.DrainAsync(false)

		case <-wakeTicker.C:
			m.BackgroundWake(ctx)
		}
	}
}

// Shutdown waits for scheduled re-probes to finish after Run's context is done.
func (m *Monitor) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info().Msg("monitor stopped")
	case <-ctx.Done():
		m.log.Warn().Msg("monitor shutdown timeout")
	}
}

func (m *Monitor) checkLink(ctx context.Context) {
	if m.link == nil {
		return
	}
	up, err := m.link.Up()
	if err != nil {
		m.log.Warn().Err(err).Msg("link check failed")
		return
	}
	was := m.linkUp.Swap(up)
	switch {
	case was && !up:
		m.log.Warn().Msg("network link lost")
		m.setReachable(ctx, false)
	case !was && up:
		m.log.Info().Dur("delay", m.timing.ReconnectDelay).Msg("network link restored, checking server shortly")
		m.after(ctx, m.timing.ReconnectDelay, func() {
			m.Check(ctx)
			m.drainer.DrainAsync(false)
		})
	}
}

// Check probes the server once and updates the reachable signal. Concurrent
// checks collapse into the one already running.
func (m *Monitor) Check(ctx context.Context) bool {
	if !m.LinkUp() {
		m.setReachable(ctx, false)
		return false
	}
	if !m.checking.CompareAndSwap(false, true) {
		return m.Reachable()
	}
	defer m.checking.Store(false)

	pctx, cancel := context.WithTimeout(ctx, m.timing.ProbeTimeout)
	defer cancel()
	err := m.probe.Probe(pctx)
	m.lastCheck.Store(time.Now().UnixMilli())

	if err != nil {
		m.log.Warn().Err(err).Msg("server unreachable")
	} else {
		m.log.Debug().Msg("heartbeat ok")
	}
	m.setReachable(ctx, err == nil)
	return err == nil
}

func (m *Monitor) setReachable(ctx context.Context, ok bool) {
	was := m.reachable.Swap(ok)
	metrics.SetReachable(ok)
	if was == ok {
		return
	}

	if ok {
		m.log.Info().Msg("server reachable, flushing pending samples")
		m.drainer.DrainAsync(false)
		return
	}

	if !m.LinkUp() {
		return
	}
	for i, d := range m.timing.Retries {
		attempt := i + 1
		m.after(ctx, d, func() {
			if m.Reachable() {
				return
			}
			m.log.Info().Int("attempt", attempt).Msg("re-checking server")
			m.Check(ctx)
		})
	}
}

// BackgroundWake flushes the queue while no trip is running, the server is
// reachable and something is pending.
func (m *Monitor) BackgroundWake(ctx context.Context) {
	if m.tracking != nil && m.tracking() {
		m.log.Debug().Msg("background wake skipped: trip in progress")
		return
	}
	pending, err := m.drainer.PendingCount(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("background wake: count pending")
		return
	}
	if pending == 0 {
		return
	}
	if !m.Reachable() {
		m.log.Debug().Int64("pending", pending).Msg("background wake skipped: server unreachable")
		return
	}
	m.log.Info().Int64("pending", pending).Msg("background wake: flushing pending samples")
	m.drainer.DrainAsync(true)
}

func (m *Monitor) after(ctx context.Context, d time.Duration, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn()
		}
	}()
}
