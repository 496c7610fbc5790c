package transmission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilal/fleet-tracker/internal/communicator"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/queue"
)

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu      sync.Mutex
	batches [][]uint64
	singles []int64
	err     error
	oneErr  error

	entered chan struct{} // signalled once per SendBatch when non-nil
	release chan struct{} // SendBatch blocks on it when non-nil
}

func (f *fakeSender) SendOne(_ context.Context, rec model.PositionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, rec.Timestamp)
	return f.oneErr
}

func (f *fakeSender) SendBatch(_ context.Context, recs []model.PositionRecord) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	ids := make([]uint64, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	f.batches = append(f.batches, ids)
	return nil
}

func (f *fakeSender) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	for i, b := range f.batches {
		out[i] = len(b)
	}
	return out
}

type harness struct {
	engine *Engine
	store  *queue.Store
	sender *fakeSender
	online atomic.Bool
	pauses atomic.Int32
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close(db) })
	store, err := queue.NewStore(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	h := &harness{store: store, sender: &fakeSender{}, now: baseTime}
	h.online.Store(true)

	opts := DefaultOptions()
	opts.DeviceID = "42"
	h.engine = NewEngine(store, h.sender, ReachabilityFunc(h.online.Load), nil, opts)
	h.engine.now = func() time.Time { return h.now }
	h.engine.pause = func(context.Context, time.Duration) error {
		h.pauses.Add(1)
		return nil
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.engine.Close(ctx)
	})
	return h
}

// fill queues n records created at createdAt with increasing timestamps.
func (h *harness) fill(t *testing.T, n int, createdAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := model.NewRecord("42", model.RawPosition{
			Latitude:    4.6,
			Longitude:   -74.1,
			TimestampMs: (baseTime.Unix() + int64(i)) * 1000,
		}, model.RecordOptions{Ignition: true})
		rec.CreatedAt = createdAt
		if _, err := h.store.Append(context.Background(), rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.CountUnsent(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDrainSplitsIntoBatches(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 250, baseTime)

	rep, err := h.engine.Drain(context.Background(), true)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := h.sender.sizes(); !equalInts(got, []int{100, 100, 50}) {
		t.Errorf("batch sizes = %v, want [100 100 50]", got)
	}
	if rep.Batches != 3 || rep.Delivered != 250 || rep.Pending != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
	if h.pauses.Load() != 2 {
		t.Errorf("pauses = %d, want 2 (between full batches only)", h.pauses.Load())
	}
	if ts, ok := h.engine.LastSyncTimestamp(); !ok || ts != baseTime.UnixMilli() {
		t.Errorf("last sync = %d, %v", ts, ok)
	}
}

func TestDrainBatchesAreFIFO(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 150, baseTime)

	if _, err := h.engine.Drain(context.Background(), true); err != nil {
		t.Fatalf("drain: %v", err)
	}
	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	var last uint64
	for _, b := range h.sender.batches {
		for _, id := range b {
			if id <= last {
				t.Fatalf("ids out of order: %d after %d", id, last)
			}
			last = id
		}
	}
}

func TestDrainCapsRecordsPerCall(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 1050, baseTime)

	rep, err := h.engine.Drain(context.Background(), true)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if rep.Batches != 10 || rep.Delivered != 1000 {
		t.Errorf("report = %+v, want 10 batches / 1000 records", rep)
	}
	if p := h.pending(t); p != 50 {
		t.Errorf("pending = %d, want 50", p)
	}
}

func TestDrainBelowThresholdIsNoop(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 50, baseTime.Add(-10*time.Second))

	rep, err := h.engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if rep.Skipped != SkipBelowThreshold {
		t.Errorf("skipped = %q, want below_threshold", rep.Skipped)
	}
	if len(h.sender.sizes()) != 0 {
		t.Error("no batch should be sent for young records")
	}
	if h.pending(t) != 50 {
		t.Error("records must stay queued")
	}
}

func TestDrainThresholds(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		created time.Time
		want    Skip
	}{
		{"full batch", 100, baseTime, SkipNone},
		{"oldest waited long enough", 5, baseTime.Add(-30 * time.Second), SkipNone},
		{"oldest just too young", 5, baseTime.Add(-29 * time.Second), SkipBelowThreshold},
		{"clock skew", 5, baseTime.Add(2 * time.Minute), SkipNone},
		{"small future skew", 5, baseTime.Add(30 * time.Second), SkipBelowThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fill(t, tt.count, tt.created)

			rep, err := h.engine.Drain(context.Background(), false)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if rep.Skipped != tt.want {
				t.Errorf("skipped = %q, want %q", rep.Skipped, tt.want)
			}
		})
	}
}

func TestDrainOffline(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 120, baseTime)
	h.online.Store(false)

	rep, _ := h.engine.Drain(context.Background(), false)
	if rep.Skipped != SkipOffline {
		t.Errorf("skipped = %q, want offline", rep.Skipped)
	}

	rep, err := h.engine.Drain(context.Background(), true)
	if err != nil {
		t.Fatalf("forced drain: %v", err)
	}
	if rep.Delivered != 120 {
		t.Errorf("forced drain should ignore connectivity, delivered %d", rep.Delivered)
	}
}

func TestDrainEmpty(t *testing.T) {
	h := newHarness(t)
	rep, err := h.engine.Drain(context.Background(), true)
	if err != nil || rep.Skipped != SkipEmpty {
		t.Errorf("drain on empty queue = %+v, %v", rep, err)
	}
}

func TestConcurrentDrainsShareOneRun(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 50, baseTime)
	h.sender.entered = make(chan struct{}, 16)
	h.sender.release = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	reports := make([]Report, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], _ = h.engine.Drain(context.Background(), true)
		}(i)
	}

	<-h.sender.entered
	if !h.engine.IsSyncing() {
		t.Error("engine should report syncing while a batch is in flight")
	}
	time.Sleep(50 * time.Millisecond)
	close(h.sender.release)
	wg.Wait()

	if got := h.sender.sizes(); !equalInts(got, []int{50}) {
		t.Errorf("batches = %v, want a single batch of 50", got)
	}
	delivered := 0
	for _, r := range reports {
		delivered += r.Delivered
		if r.Delivered != 0 && r.Delivered != 50 {
			t.Errorf("unexpected report %+v", r)
		}
	}
	if delivered == 0 {
		t.Error("no caller saw the delivery")
	}
	if h.engine.IsSyncing() {
		t.Error("syncing flag should clear after the run")
	}
}

func TestRecordActivelyBatching(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 3, baseTime)
	h.sender.entered = make(chan struct{}, 1)
	h.sender.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Drain(context.Background(), true)
	}()

	<-h.sender.entered
	recs, _ := h.store.OldestUnsent(context.Background(), 3)
	for _, r := range recs {
		if !h.engine.IsRecordActivelyBatching(r.ID) {
			t.Errorf("record %d should be in the active batch", r.ID)
		}
	}
	close(h.sender.release)
	<-done

	for _, r := range recs {
		if h.engine.IsRecordActivelyBatching(r.ID) {
			t.Errorf("record %d still marked after the batch", r.ID)
		}
	}
}

func TestDrainFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 120, baseTime)
	h.sender.err = errors.New("connection reset")

	if _, err := h.engine.Drain(context.Background(), false); err == nil {
		t.Fatal("expected send error")
	}
	if d := h.engine.BackoffDelay(); d != 10*time.Second {
		t.Errorf("backoff = %v, want 10s", d)
	}
	if h.pending(t) != 120 {
		t.Error("failed batch must stay queued")
	}

	h.sender.err = nil
	h.now = baseTime.Add(5 * time.Second)
	rep, _ := h.engine.Drain(context.Background(), false)
	if rep.Skipped != SkipBackoff {
		t.Errorf("skipped = %q, want backoff", rep.Skipped)
	}

	// forced drains ignore the gate, and success resets it
	rep, err := h.engine.Drain(context.Background(), true)
	if err != nil || rep.Delivered != 120 {
		t.Fatalf("forced drain = %+v, %v", rep, err)
	}
	if d := h.engine.BackoffDelay(); d != 5*time.Second {
		t.Errorf("backoff after success = %v, want 5s", d)
	}
}

func TestDrainAuthMissingHasNoPenalty(t *testing.T) {
	h := newHarness(t)
	h.fill(t, 120, baseTime)
	h.sender.err = communicator.ErrAuthMissing

	rep, err := h.engine.Drain(context.Background(), false)
	if !errors.Is(err, communicator.ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
	if rep.Skipped != SkipAuthMissing {
		t.Errorf("skipped = %q", rep.Skipped)
	}
	if d := h.engine.BackoffDelay(); d != 5*time.Second {
		t.Errorf("backoff = %v, auth errors must not double it", d)
	}

	h.sender.err = nil
	rep, err = h.engine.Drain(context.Background(), false)
	if err != nil || rep.Delivered != 120 {
		t.Errorf("drain after login = %+v, %v; should not be gated", rep, err)
	}
}

func TestSendPriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// keep the follow-up background drain from touching the queue
	h.online.Store(false)

	rec := model.NewRecord("42", model.RawPosition{Latitude: 1, Longitude: 2, TimestampMs: 1_000_000}, model.RecordOptions{Ignition: true})
	stored, err := h.engine.SendPriority(ctx, rec, "time")
	if err != nil {
		t.Fatalf("send priority: %v", err)
	}
	if !stored.Sent || stored.ID == 0 {
		t.Errorf("delivered sample should be stored as sent, got %+v", stored)
	}

	h.sender.oneErr = errors.New("timeout")
	rec2 := model.NewRecord("42", model.RawPosition{Latitude: 1, Longitude: 2, TimestampMs: 2_000_000}, model.RecordOptions{Ignition: true})
	stored, err = h.engine.SendPriority(ctx, rec2, "distance")
	if err != nil {
		t.Fatalf("send priority: %v", err)
	}
	if stored.Sent {
		t.Error("failed send must be stored unsent")
	}

	hist, _ := h.store.History(ctx, 10)
	if len(hist) != 2 {
		t.Fatalf("history = %d records, want 2", len(hist))
	}
	if h.pending(t) != 1 {
		t.Errorf("pending = %d, want the failed sample only", h.pending(t))
	}
}

func TestResetBackoff(t *testing.T) {
	h := newHarness(t)
	h.engine.backoff.Failure(baseTime)
	h.engine.ResetBackoff()
	if h.engine.BackoffDelay() != 5*time.Second {
		t.Errorf("backoff = %v after reset", h.engine.BackoffDelay())
	}
}
