package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bilal/fleet-tracker/internal/geo"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/queue"
	"github.com/bilal/fleet-tracker/internal/session"
)

type fakeTransmitter struct {
	mu       sync.Mutex
	priority []model.PositionRecord
	queued   []model.PositionRecord
	drains   []bool
	resets   int
}

func (f *fakeTransmitter) SendPriority(_ context.Context, rec model.PositionRecord, _ string) (model.PositionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priority = append(f.priority, rec)
	return rec, nil
}

func (f *fakeTransmitter) Enqueue(_ context.Context, rec model.PositionRecord) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, rec)
	return uint64(len(f.queued)), nil
}

func (f *fakeTransmitter) DrainAsync(forceAll bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains = append(f.drains, forceAll)
}

func (f *fakeTransmitter) ResetBackoff() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type fakePermissions struct{ err error }

func (p fakePermissions) Check(context.Context) error { return p.err }

type fakeWakeLock struct {
	held       bool
	acquireErr error
}

func (w *fakeWakeLock) Acquire() error {
	if w.acquireErr != nil {
		return w.acquireErr
	}
	w.held = true
	return nil
}

func (w *fakeWakeLock) Release() error {
	w.held = false
	return nil
}

type fakeLocation struct {
	started  bool
	startErr error
	last     *model.RawPosition
}

func (l *fakeLocation) Start(context.Context) error {
	if l.startErr != nil {
		return l.startErr
	}
	l.started = true
	return nil
}

func (l *fakeLocation) Stop() error {
	l.started = false
	return nil
}

func (l *fakeLocation) LastKnown() (model.RawPosition, bool) {
	if l.last == nil {
		return model.RawPosition{}, false
	}
	return *l.last, true
}

type fakeNotifier struct {
	mu      sync.Mutex
	shown   []Progress
	cleared bool
}

func (n *fakeNotifier) Show(p Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, p)
	n.cleared = false
}

func (n *fakeNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = true
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

// flakySession fails Save while failSave is set.
type flakySession struct {
	*session.Keeper
	failSave bool
}

func (s *flakySession) Save(ctx context.Context, st session.State) error {
	if s.failSave {
		return errors.New("disk I/O error")
	}
	return s.Keeper.Save(ctx, st)
}

type fixedBattery int

func (b fixedBattery) Level() (int, error) { return int(b), nil }

type fixture struct {
	mgr      *Manager
	keeper   *session.Keeper
	tx       *fakeTransmitter
	wake     *fakeWakeLock
	loc      *fakeLocation
	notifier *fakeNotifier
	dir      string
	now      time.Time
}

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, perms error) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := queue.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close(db) })
	keeper, err := session.NewKeeper(db)
	if err != nil {
		t.Fatalf("keeper: %v", err)
	}

	last := model.RawPosition{Latitude: 4.6, Longitude: -74.1, TimestampMs: t0.UnixMilli()}
	f := &fixture{
		keeper:   keeper,
		tx:       &fakeTransmitter{},
		wake:     &fakeWakeLock{},
		loc:      &fakeLocation{last: &last},
		notifier: &fakeNotifier{},
		dir:      dir,
		now:      t0,
	}
	f.mgr = NewManager(Deps{
		Session:     keeper,
		Transmitter: f.tx,
		Permissions: fakePermissions{err: perms},
		WakeLock:    f.wake,
		Location:    f.loc,
		Notifier:    f.notifier,
		Battery:     fixedBattery(64),
	}, Options{DeviceID: "42", NotificationInterval: time.Hour})
	f.mgr.now = func() time.Time { return f.now }
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	return f
}

func moving(lat float64, tsMs int64) model.RawPosition {
	return model.RawPosition{
		Latitude:    lat,
		Longitude:   -74.1,
		SpeedMps:    f64(10),
		BearingDeg:  f64(0),
		AccuracyM:   f64(5),
		TimestampMs: tsMs,
	}
}

func TestStartSendsTripStart(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.mgr.Start(context.Background(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.mgr.State() != Active {
		t.Errorf("state = %s, want active", f.mgr.State())
	}
	if !f.wake.held || !f.loc.started {
		t.Error("wake lock and location updates should be on")
	}
	if f.tx.resets != 1 {
		t.Errorf("restart should reset backoff once, got %d", f.tx.resets)
	}
	if len(f.tx.priority) != 1 {
		t.Fatalf("expected one trip start sample, got %d", len(f.tx.priority))
	}
	rec := f.tx.priority[0]
	if !rec.Ignition || rec.EventCode != model.EventTrip || rec.BatteryPct != 64 || rec.Priority != 1 {
		t.Errorf("unexpected trip start record: %+v", rec)
	}
	st := f.keeper.Snapshot()
	if st.SessionStartTimeMs == nil || *st.SessionStartTimeMs != t0.UnixMilli() {
		t.Errorf("session start = %v", st.SessionStartTimeMs)
	}
	if f.notifier.count() == 0 {
		t.Error("initial notification not shown")
	}
}

func TestStartPermissionDenied(t *testing.T) {
	f := newFixture(t, ErrPermissionDenied)

	err := f.mgr.Start(context.Background(), true)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if f.mgr.State() != Idle {
		t.Errorf("state = %s, want idle", f.mgr.State())
	}
	if f.wake.held || f.loc.started || len(f.tx.priority) != 0 {
		t.Error("nothing should be acquired or sent when permission is denied")
	}
}

func TestStartLocationFailureReleasesWakeLock(t *testing.T) {
	f := newFixture(t, nil)
	f.loc.startErr = errors.New("gps off")

	if err := f.mgr.Start(context.Background(), true); err == nil {
		t.Fatal("expected start error")
	}
	if f.wake.held {
		t.Error("wake lock leaked")
	}
	if f.mgr.State() != Idle {
		t.Errorf("state = %s, want idle", f.mgr.State())
	}

	ctx := context.Background()
	if active, err := f.keeper.Active(ctx); err != nil || active {
		t.Errorf("active = %v (%v), failed start must not leave a session", active, err)
	}

	// a later boot finds nothing to resume
	db, err := queue.Open(f.dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer queue.Close(db)
	keeper, err := session.NewKeeper(db)
	if err != nil {
		t.Fatalf("keeper: %v", err)
	}
	loc := &fakeLocation{}
	next := NewManager(Deps{
		Session:     keeper,
		Transmitter: &fakeTransmitter{},
		Permissions: fakePermissions{},
		WakeLock:    &fakeWakeLock{},
		Location:    loc,
		Notifier:    &fakeNotifier{},
		Battery:     fixedBattery(50),
	}, Options{DeviceID: "42", NotificationInterval: time.Hour})
	defer next.Shutdown(ctx)
	if err := next.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if next.State() != Idle || loc.started {
		t.Errorf("state = %s, location started = %v, want idle and stopped", next.State(), loc.started)
	}
}

func TestRestartFailureRestoresPriorSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	start := t0.Add(-time.Hour).UnixMilli()
	prior := session.State{
		AccumulatedDistanceM: 5000,
		LastCoordinate:       &model.Coordinate{Latitude: 4.65, Longitude: -74.1},
		SessionStartTimeMs:   &start,
	}
	if err := f.keeper.Save(ctx, prior); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.loc.startErr = errors.New("gps off")

	if err := f.mgr.Start(ctx, true); err == nil {
		t.Fatal("expected start error")
	}
	got, err := f.keeper.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AccumulatedDistanceM != 5000 || got.SessionStartTimeMs == nil || *got.SessionStartTimeMs != start {
		t.Errorf("session = %+v, want the prior session back", got)
	}
}

func TestSessionSaveFailureSkipsSample(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	flaky := &flakySession{Keeper: f.keeper}
	f.mgr.deps.Session = flaky

	if err := f.mgr.Start(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := moving(4.6, t0.UnixMilli())
	if _, err := f.mgr.HandlePositions(ctx, []model.RawPosition{first}); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	flaky.failSave = true
	res, err := f.mgr.HandlePositions(ctx, []model.RawPosition{moving(4.61, t0.UnixMilli()+1000)})
	if err != nil {
		t.Fatalf("storage failure must not stop ingestion: %v", err)
	}
	if res.Received != 1 || res.Accepted != 0 || res.SyncPoints != 0 {
		t.Errorf("result = %+v, want the sample skipped", res)
	}
	if d := f.keeper.Snapshot().AccumulatedDistanceM; d != 0 {
		t.Errorf("distance = %v after failed save, want 0", d)
	}

	flaky.failSave = false
	third := moving(4.62, t0.UnixMilli()+2000)
	res, err = f.mgr.HandlePositions(ctx, []model.RawPosition{third})
	if err != nil || res.Accepted != 1 {
		t.Fatalf("next sample should proceed: %+v, %v", res, err)
	}
	want := geo.Distance(first.Coordinate(), third.Coordinate())
	if d := f.keeper.Snapshot().AccumulatedDistanceM; d != want {
		t.Errorf("distance = %v, want %v", d, want)
	}
}

func TestStartWakeLockFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.wake.acquireErr = errors.New("no such file")

	if err := f.mgr.Start(context.Background(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.mgr.State() != Active {
		t.Errorf("state = %s, want active", f.mgr.State())
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.mgr.Stop(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stop while idle: %v", err)
	}
	if err := f.mgr.Start(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.mgr.Start(ctx, true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("start while active: %v", err)
	}
	if _, err := NewManager(Deps{}, Options{}).HandlePositions(ctx, nil); !errors.Is(err, ErrNotTracking) {
		t.Errorf("positions while idle: %v", err)
	}
}

func TestHandlePositionsSyncPoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	startSends := len(f.tx.priority)

	// first sample fires on time (no sync yet), the next ones are within the
	// window and close by
	f.now = t0.Add(time.Second)
	res, err := f.mgr.HandlePositions(ctx, []model.RawPosition{
		moving(4.6000, t0.Add(time.Second).UnixMilli()),
		moving(4.6001, t0.Add(2*time.Second).UnixMilli()),
		{Latitude: 4.7, Longitude: -74.1, SpeedMps: f64(10), AccuracyM: f64(90), TimestampMs: t0.Add(3 * time.Second).UnixMilli()},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Received != 3 || res.Accepted != 2 || res.SyncPoints != 1 {
		t.Errorf("result = %+v, want 3/2/1", res)
	}
	if got := len(f.tx.priority) - startSends; got != 1 {
		t.Fatalf("priority sends = %d, want 1", got)
	}
	rec := f.tx.priority[startSends]
	if !rec.Ignition || rec.EventCode != model.EventPeriodic || rec.DeviceID != "42" {
		t.Errorf("unexpected sync record: %+v", rec)
	}

	st := f.keeper.Snapshot()
	if st.LastSyncTimeMs == nil || *st.LastSyncTimeMs != f.now.UnixMilli() {
		t.Errorf("last sync time = %v", st.LastSyncTimeMs)
	}
	if st.AccumulatedDistanceM <= 0 {
		t.Error("distance should accumulate")
	}

	// a minute later the time threshold fires again
	f.now = t0.Add(61 * time.Second)
	res, _ = f.mgr.HandlePositions(ctx, []model.RawPosition{moving(4.6002, f.now.UnixMilli())})
	if res.SyncPoints != 1 {
		t.Errorf("expected a time-triggered sync point, got %+v", res)
	}
}

func TestHandlePositionsAllRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	shown := f.notifier.count()

	res, err := f.mgr.HandlePositions(ctx, []model.RawPosition{
		{Latitude: 1, Longitude: 1, SpeedMps: f64(0)},
		{Latitude: 1, Longitude: 1, SpeedMps: f64(20), AccuracyM: f64(40)},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Accepted != 0 {
		t.Errorf("accepted = %d", res.Accepted)
	}
	if f.notifier.count() != shown {
		t.Error("notification must not update when nothing was accepted")
	}
	if f.keeper.Snapshot().LastCoordinate != nil {
		t.Error("rejected samples must not move the last coordinate")
	}
}

func TestStopQueuesTripEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.mgr.Start(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.now = t0.Add(10 * time.Minute)

	if err := f.mgr.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(f.tx.queued) != 1 {
		t.Fatalf("queued = %d records, want exactly 1", len(f.tx.queued))
	}
	end := f.tx.queued[0]
	if end.Ignition || end.EventCode != model.EventTrip {
		t.Errorf("unexpected trip end record: %+v", end)
	}
	if end.Timestamp != f.now.Unix() {
		t.Errorf("trip end timestamp = %d, want stop time %d", end.Timestamp, f.now.Unix())
	}
	if end.Sent {
		t.Error("trip end must be queued unsent")
	}

	if len(f.tx.drains) != 1 || !f.tx.drains[0] {
		t.Errorf("expected one forced background drain, got %v", f.tx.drains)
	}
	if f.mgr.State() != Idle || f.wake.held || f.loc.started || !f.notifier.cleared {
		t.Error("stop should release everything and return to idle")
	}
	active, _ := f.keeper.Active(ctx)
	if active || f.keeper.Snapshot().SessionStartTimeMs != nil {
		t.Error("session state should be cleared")
	}
}

func TestInitResumesPersistedSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	start := t0.Add(-time.Hour).UnixMilli()
	if err := f.keeper.Save(ctx, session.State{AccumulatedDistanceM: 5000, SessionStartTimeMs: &start}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := f.mgr.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if f.mgr.State() != Active {
		t.Fatalf("state = %s, want active", f.mgr.State())
	}
	if f.keeper.Snapshot().AccumulatedDistanceM != 5000 {
		t.Error("resume must keep the accumulated distance")
	}
	if len(f.tx.priority) != 0 {
		t.Error("resume is not a new trip, no trip start expected")
	}
	p := f.mgr.Progress()
	if p.DistanceKm != 5 || p.Elapsed != "01:00" {
		t.Errorf("progress = %+v", p)
	}
}

func TestInitWithoutSessionStaysIdle(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.mgr.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if f.mgr.State() != Idle {
		t.Errorf("state = %s, want idle", f.mgr.State())
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:00"},
		{61 * time.Minute, "01:01"},
		{25*time.Hour + 5*time.Minute, "25:05"},
		{-time.Minute, "00:00"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
