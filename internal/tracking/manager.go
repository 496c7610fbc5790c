package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bilal/fleet-tracker/internal/decision"
	"github.com/bilal/fleet-tracker/internal/metrics"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Active   State = "active"
	Stopping State = "stopping"
)

// Transmitter is the part of the transmission engine the manager drives.
type Transmitter interface {
	SendPriority(ctx context.Context, rec model.PositionRecord, reason string) (model.PositionRecord, error)
	Enqueue(ctx context.Context, rec model.PositionRecord) (uint64, error)
	DrainAsync(forceAll bool)
	ResetBackoff()
}

// SessionStore is the durable session state.
type SessionStore interface {
	EnsureHydrated(ctx context.Context) error
	Load(ctx context.Context) (session.State, error)
	Save(ctx context.Context, st session.State) error
	Snapshot() session.State
	Reset(ctx context.Context, now time.Time) error
	Clear(ctx context.Context) error
	Active(ctx context.Context) (bool, error)
}

type Deps struct {
	Session     SessionStore
	Transmitter Transmitter
	Policy      *decision.Engine
	Permissions Permissions
	WakeLock    WakeLock
	Location    LocationSource
	Notifier    Notifier
	Battery     Battery
}

type Options struct {
	DeviceID             string
	Filter               Filter
	NotificationInterval time.Duration
}

// BatchResult counts what HandlePositions did with one delivery.
type BatchResult struct {
	Received   int `json:"received"`
	Accepted   int `json:"accepted"`
	SyncPoints int `json:"syncPoints"`
}

// Manager owns the tracking session lifecycle: Idle, Starting, Active, Stopping.
type Manager struct {
	deps Deps
	opts Options

	// op serialises lifecycle operations and sample batches
	op sync.Mutex

	mu        sync.RWMutex
	state     State
	lastSpeed float64

	tickerCancel context.CancelFunc
	tickerDone   chan struct{}

	now func() time.Time
	log zerolog.Logger
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.Filter == (Filter{}) {
		opts.Filter = DefaultFilter()
	}
	if opts.NotificationInterval <= 0 {
		opts.NotificationInterval = 30 * time.Second
	}
	if deps.Policy == nil {
		deps.Policy = decision.NewEngine(decision.DefaultThresholds())
	}
	return &Manager{
		deps:  deps,
		opts:  opts,
		state: Idle,
		now:   time.Now,
		log:   log.With().Str("component", "tracking").Logger(),
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("state changed")
}

// transition moves from -> to or fails with ErrInvalidTransition.
func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// Init hydrates the session and resumes tracking when a session was active
// before the process stopped.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.deps.Session.EnsureHydrated(ctx); err != nil {
		return err
	}
	active, err := m.deps.Session.Active(ctx)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}
	m.log.Info().Msg("resuming persisted tracking session")
	return m.Start(ctx, false)
}

// Start begins a session. With restart the session counters and the
// transmission backoff are reset; otherwise a persisted session is resumed.
func (m *Manager) Start(ctx context.Context, restart bool) error {
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.transition(Idle, Starting); err != nil {
		return err
	}

	if err := m.deps.Permissions.Check(ctx); err != nil {
		m.setState(Idle)
		return fmt.Errorf("start tracking: %w", err)
	}
	if err := m.deps.Session.EnsureHydrated(ctx); err != nil {
		m.setState(Idle)
		return fmt.Errorf("start tracking: %w", err)
	}

	resumed, err := m.deps.Session.Active(ctx)
	if err != nil {
		m.setState(Idle)
		return fmt.Errorf("start tracking: %w", err)
	}
	fresh := restart || !resumed
	prior := m.deps.Session.Snapshot()
	if fresh {
		if err := m.deps.Session.Reset(ctx, m.now()); err != nil {
			m.setState(Idle)
			return fmt.Errorf("start tracking: %w", err)
		}
	}
	if restart {
		m.deps.Transmitter.ResetBackoff()
	}

	if err := m.deps.WakeLock.Acquire(); err != nil {
		m.log.Warn().Err(err).Msg("wake lock not acquired")
	}

	if err := m.deps.Location.Start(ctx); err != nil {
		if rerr := m.deps.WakeLock.Release(); rerr != nil {
			m.log.Warn().Err(rerr).Msg("release wake lock")
		}
		if fresh {
			m.restoreSession(ctx, prior, resumed)
		}
		m.setState(Idle)
		return fmt.Errorf("start location updates: %w", err)
	}

	if fresh {
		m.sendTripEvent(ctx)
	}

	m.mu.Lock()
	m.lastSpeed = 0
	m.mu.Unlock()
	m.deps.Notifier.Show(m.progress(m.deps.Session.Snapshot()))
	m.startTicker()

	m.setState(Active)
	m.log.Info().Bool("restart", restart).Bool("resumed", !fresh).Msg("tracking started")
	return nil
}

// restoreSession undoes the reset of a start that did not complete, so a
// failed start is never resumed as a trip on the next boot.
func (m *Manager) restoreSession(ctx context.Context, prior session.State, hadSession bool) {
	var err error
	if hadSession {
		err = m.deps.Session.Save(ctx, prior)
	} else {
		err = m.deps.Session.Clear(ctx)
	}
	if err != nil {
		metrics.StorageErrors.Inc()
		m.log.Error().Err(err).Msg("roll back session after failed start")
	}
}

// sendTripEvent posts the trip-start record through the priority path.
func (m *Manager) sendTripEvent(ctx context.Context) {
	pos, ok := m.deps.Location.LastKnown()
	if !ok {
		m.log.Warn().Msg("no last known position, trip start not sent")
		return
	}
	rec := m.tripRecord(pos, true)
	if _, err := m.deps.Transmitter.SendPriority(ctx, rec, "trip_start"); err != nil {
		m.log.Warn().Err(err).Msg("trip start not stored")
	}
}

// tripRecord builds a trip boundary record at the last known position. It is
// stamped with the current time so it never collides with a periodic sample.
func (m *Manager) tripRecord(pos model.RawPosition, ignition bool) model.PositionRecord {
	rec := model.NewRecord(m.opts.DeviceID, pos, model.RecordOptions{
		Ignition:   ignition,
		EventCode:  model.EventTrip,
		Priority:   model.DefaultPriority,
		BatteryPct: m.batteryLevel(),
	})
	if now := m.now().Unix(); now > rec.Timestamp {
		rec.Timestamp = now
	}
	return rec
}

func (m *Manager) batteryLevel() int {
	if m.deps.Battery == nil {
		return model.DefaultBatteryPct
	}
	lvl, err := m.deps.Battery.Level()
	if err != nil {
		return model.DefaultBatteryPct
	}
	return lvl
}

// HandlePositions runs one delivery of raw samples through the filter, the
// accumulator and the send policy.
func (m *Manager) HandlePositions(ctx context.Context, batch []model.RawPosition) (BatchResult, error) {
	m.op.Lock()
	defer m.op.Unlock()

	res := BatchResult{Received: len(batch)}
	if m.State() != Active {
		return res, ErrNotTracking
	}

	st, err := m.deps.Session.Load(ctx)
	if err != nil {
		return res, err
	}

	var speed float64
	for _, raw := range batch {
		metrics.SamplesReceived.Inc()

		if rej := m.opts.Filter.Check(raw); rej != Accepted {
			metrics.SamplesRejected.WithLabelValues(string(rej)).Inc()
			m.log.Debug().Str("reason", string(rej)).Int64("ts_ms", raw.TimestampMs).Msg("sample ignored")
			continue
		}

		next := Accumulate(st, raw)
		if err := m.deps.Session.Save(ctx, next); err != nil {
			metrics.StorageErrors.Inc()
			m.log.Error().Err(err).Msg("persist accumulated distance")
			continue
		}
		st = next
		res.Accepted++
		speed = raw.SpeedKmh()

		now := m.now()
		d := m.deps.Policy.Evaluate(st, raw, now)
		if !d.Send {
			continue
		}

		res.SyncPoints++
		metrics.SyncPoints.WithLabelValues(d.Reason.String()).Inc()
		m.log.Info().
			Str("reason", d.Reason.String()).
			Float64("elapsed_s", d.TimeDiffSec).
			Float64("distance_m", d.DistanceDiffM).
			Float64("heading_deg", d.HeadingDiffDeg).
			Msg("sync point")

		rec := model.NewRecord(m.opts.DeviceID, raw, model.RecordOptions{
			Ignition:   true,
			EventCode:  model.EventPeriodic,
			Priority:   model.DefaultPriority,
			BatteryPct: m.batteryLevel(),
		})
		if _, err := m.deps.Transmitter.SendPriority(ctx, rec, d.Reason.String()); err != nil {
			m.log.Error().Err(err).Int64("timestamp", rec.Timestamp).Msg("sync point not stored")
		}

		synced := decision.MarkSynced(st, raw, now)
		if err := m.deps.Session.Save(ctx, synced); err != nil {
			metrics.StorageErrors.Inc()
			m.log.Error().Err(err).Msg("persist sync point")
			continue
		}
		st = synced
	}

	if res.Accepted > 0 {
		m.mu.Lock()
		m.lastSpeed = speed
		m.mu.Unlock()
		m.deps.Notifier.Show(m.progress(st))
	}
	return res, nil
}

// Stop ends the session: the trip-end record is queued, not sent, and a
// forced drain is started without waiting for it.
func (m *Manager) Stop(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.transition(Active, Stopping); err != nil {
		return err
	}
	m.stopTicker()

	if pos, ok := m.deps.Location.LastKnown(); ok {
		if _, err := m.deps.Transmitter.Enqueue(ctx, m.tripRecord(pos, false)); err != nil {
			m.log.Error().Err(err).Msg("queue trip end")
		}
	} else {
		m.log.Warn().Msg("no last known position, trip end not recorded")
	}

	if err := m.deps.Location.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("stop location updates")
	}
	if err := m.deps.WakeLock.Release(); err != nil {
		m.log.Warn().Err(err).Msg("release wake lock")
	}
	if err := m.deps.Session.Clear(ctx); err != nil {
		metrics.StorageErrors.Inc()
		m.log.Error().Err(err).Msg("clear session state")
	}
	m.deps.Notifier.Clear()

	m.setState(Idle)
	m.deps.Transmitter.DrainAsync(true)
	m.log.Info().Msg("tracking stopped")
	return nil
}

// Shutdown releases platform resources on process exit. The persisted session
// is kept so the next process resumes it.
func (m *Manager) Shutdown(ctx context.Context) {
	m.op.Lock()
	defer m.op.Unlock()

	m.stopTicker()
	if m.State() != Active {
		return
	}
	if err := m.deps.Location.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("stop location updates")
	}
	if err := m.deps.WakeLock.Release(); err != nil {
		m.log.Warn().Err(err).Msg("release wake lock")
	}
	m.setState(Idle)
	m.log.Info().Msg("tracking suspended for shutdown")
}

// Progress is the current notification payload.
func (m *Manager) Progress() Progress {
	return m.progress(m.deps.Session.Snapshot())
}

func (m *Manager) progress(st session.State) Progress {
	m.mu.RLock()
	speed := m.lastSpeed
	m.mu.RUnlock()

	p := Progress{DistanceKm: st.AccumulatedDistanceM / 1000, SpeedKmh: speed, Elapsed: "00:00"}
	if st.SessionStartTimeMs != nil {
		p.Elapsed = formatElapsed(m.now().Sub(time.UnixMilli(*st.SessionStartTimeMs)))
	}
	return p
}

func (m *Manager) startTicker() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.tickerCancel, m.tickerDone = cancel, done

	go func() {
		defer close(done)
		t := time.NewTicker(m.opts.NotificationInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.deps.Notifier.Show(m.Progress())
			}
		}
	}()
}

func (m *Manager) stopTicker() {
	if m.tickerCancel == nil {
		return
	}
	m.tickerCancel()
	<-m.tickerDone
	m.tickerCancel, m.tickerDone = nil, nil
}
