package transmission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilal/fleet-tracker/internal/communicator"
	"github.com/bilal/fleet-tracker/internal/metrics"
	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Queue is the durable store the engine drains.
type Queue interface {
	Append(ctx context.Context, rec model.PositionRecord) (uint64, error)
	OldestUnsent(ctx context.Context, limit int) ([]model.PositionRecord, error)
	MarkSent(ctx context.Context, ids []uint64) error
	CountUnsent(ctx context.Context) (int64, error)
	OldestUnsentCreatedAt(ctx context.Context) (*time.Time, error)
}

// Sender delivers samples to the backend.
type Sender interface {
	SendOne(ctx context.Context, rec model.PositionRecord) error
	SendBatch(ctx context.Context, recs []model.PositionRecord) error
}

// Reachability reports the last known "server reachable" signal.
type Reachability interface {
	Reachable() bool
}

type ReachabilityFunc func() bool

func (f ReachabilityFunc) Reachable() bool { return f() }

// Skip explains why a drain did not transmit.
type Skip string

const (
	SkipNone           Skip = ""
	SkipBackoff        Skip = "backoff"
	SkipEmpty          Skip = "empty"
	SkipBelowThreshold Skip = "below_threshold"
	SkipOffline        Skip = "offline"
	SkipAuthMissing    Skip = "auth_missing"
)

// Report is the outcome of one drain run, shared by every caller that joined it.
type Report struct {
	Forced    bool
	Skipped   Skip
	Batches   int
	Delivered int
	Pending   int64
}

type Options struct {
	DeviceID       string
	BatchSize      int
	MaxBatches     int
	MaxWait        time.Duration
	ClockSkewLimit time.Duration // oldest age below -limit counts as skew
	BatchPause     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      100,
		MaxBatches:     10,
		MaxWait:        30 * time.Second,
		ClockSkewLimit: time.Minute,
		BatchPause:     time.Second,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// Engine moves queued records to the backend.
type Engine struct {
	queue  Queue
	sender Sender
	reach  Reachability
	events communicator.Publisher
	opts   Options

	backoff *Backoff
	group   singleflight.Group
	syncing atomic.Bool

	mu         sync.RWMutex
	lastSyncMs int64
	batching   map[uint64]struct{}

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) error

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	log zerolog.Logger
}

func NewEngine(q Queue, s Sender, reach Reachability, events communicator.Publisher, opts Options) *Engine {
	if events == nil {
		events = communicator.NopPublisher{}
	}
	d := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = d.MaxBatches
	}
	if opts.ClockSkewLimit <= 0 {
		opts.ClockSkewLimit = d.ClockSkewLimit
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = d.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		queue:    q,
		sender:   s,
		reach:    reach,
		events:   events,
		opts:     opts,
		backoff:  NewBackoff(opts.InitialBackoff, opts.MaxBackoff),
		batching: make(map[uint64]struct{}),
		now:      time.Now,
		pause:    sleep,
		baseCtx:  ctx,
		cancel:   cancel,
		log:      log.With().Str("component", "transmission").Logger(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue appends rec to the durable queue without touching the network.
func (e *Engine) Enqueue(ctx context.Context, rec model.PositionRecord) (uint64, error) {
	id, err := e.queue.Append(ctx, rec)
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		metrics.StorageErrors.Inc()
		return 0, err
	}
	if errors.Is(err, queue.ErrDuplicate) {
		e.log.Debug().Int64("timestamp", rec.Timestamp).Uint64("id", id).Msg("duplicate sample ignored")
	}
	return id, nil
}

// SendPriority posts rec immediately and then records it with the outcome as
// its Sent flag, so a failed send stays queued. A background non-forced drain
// follows. The returned record carries the stored id.
func (e *Engine) SendPriority(ctx context.Context, rec model.PositionRecord, reason string) (model.PositionRecord, error) {
	err := e.sender.SendOne(ctx, rec)
	rec.Sent = err == nil
	switch {
	case err == nil:
		metrics.PrioritySends.WithLabelValues("ok").Inc()
		e.setLastSync(e.now())
	case errors.Is(err, communicator.ErrAuthMissing):
		metrics.PrioritySends.WithLabelValues("auth_missing").Inc()
		e.log.Warn().Msg("priority send skipped: no auth token")
	default:
		metrics.PrioritySends.WithLabelValues("failed").Inc()
		e.log.Warn().Err(err).Int64("timestamp", rec.Timestamp).Msg("priority send failed, sample queued")
	}

	// the sample must be stored even if the caller's context expired during the send
	id, aerr := e.Enqueue(context.WithoutCancel(ctx), rec)
	if aerr != nil {
		e.log.Error().Err(aerr).Int64("timestamp", rec.Timestamp).Msg("store priority sample")
	}
	rec.ID = id

	e.publish(func(ctx context.Context) error {
		return e.events.PublishSyncPoint(ctx, communicator.SyncPointEvent{
			DeviceID:  rec.DeviceID,
			Timestamp: rec.Timestamp,
			Reason:    reason,
			Delivered: rec.Sent,
			At:        e.now(),
		})
	})

	e.DrainAsync(false)
	return rec, aerr
}

// DrainAsync starts a drain without waiting for it.
func (e *Engine) DrainAsync(forceAll bool) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if _, err := e.Drain(e.baseCtx, forceAll); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Bool("forced", forceAll).Msg("background drain failed")
		}
	}()
}

// Drain sends queued records in bounded batches. Only one run is in flight at
// a time; concurrent callers wait for it and share its report, including the
// forceAll choice of the caller that started it.
func (e *Engine) Drain(ctx context.Context, forceAll bool) (Report, error) {
	ch := e.group.DoChan("drain", func() (any, error) {
		return e.drain(e.baseCtx, forceAll)
	})
	select {
	case res := <-ch:
		rep, _ := res.Val.(Report)
		return rep, res.Err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (e *Engine) drain(ctx context.Context, forceAll bool) (Report, error) {
	e.syncing.Store(true)
	defer e.syncing.Store(false)

	start := time.Now()
	defer metrics.ObserveDrain(start)

	rep := Report{Forced: forceAll}
	err := e.run(ctx, &rep)

	if pending, cerr := e.queue.CountUnsent(ctx); cerr == nil {
		rep.Pending = pending
		metrics.PendingRecords.Set(float64(pending))
	}
	metrics.BackoffSeconds.Set(e.backoff.Delay().Seconds())

	if rep.Batches > 0 || err != nil {
		ev := communicator.DrainEvent{
			DeviceID:  e.opts.DeviceID,
			Forced:    forceAll,
			Batches:   rep.Batches,
			Delivered: rep.Delivered,
			Skipped:   string(rep.Skipped),
			At:        e.now(),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		e.publish(func(ctx context.Context) error { return e.events.PublishDrain(ctx, ev) })
	}
	return rep, err
}

func (e *Engine) run(ctx context.Context, rep *Report) error {
	now := e.now()
	if !rep.Forced {
		if wait := e.backoff.Remaining(now); wait > 0 {
			rep.Skipped = SkipBackoff
			e.log.Debug().Dur("remaining", wait).Msg("drain waiting for backoff")
			return nil
		}
	}

	count, err := e.queue.CountUnsent(ctx)
	if err != nil {
		metrics.StorageErrors.Inc()
		return fmt.Errorf("count pending: %w", err)
	}
	if count == 0 {
		rep.Skipped = SkipEmpty
		return nil
	}

	if !rep.Forced {
		ready, err := e.thresholdMet(ctx, count, now)
		if err != nil {
			return err
		}
		if !ready {
			rep.Skipped = SkipBelowThreshold
			return nil
		}
		if e.reach != nil && !e.reach.Reachable() {
			rep.Skipped = SkipOffline
			e.log.Debug().Int64("pending", count).Msg("drain deferred: server unreachable")
			return nil
		}
	}

	e.log.Info().Int64("pending", count).Bool("forced", rep.Forced).Msg("draining queued samples")

	for i := 0; i < e.opts.MaxBatches; i++ {
		if i > 0 {
			if err := e.pause(ctx, e.opts.BatchPause); err != nil {
				return err
			}
		}

		recs, err := e.queue.OldestUnsent(ctx, e.opts.BatchSize)
		if err != nil {
			metrics.StorageErrors.Inc()
			return fmt.Errorf("load batch: %w", err)
		}
		if len(recs) == 0 {
			break
		}

		ids := make([]uint64, len(recs))
		for j, r := range recs {
			ids[j] = r.ID
		}

		e.setBatching(ids, true)
		err = e.sender.SendBatch(ctx, recs)
		e.setBatching(ids, false)

		if err != nil && !communicator.IsTransient(err) {
			rep.Skipped = SkipAuthMissing
			metrics.BatchesSent.WithLabelValues("auth_missing").Inc()
			e.log.Warn().Msg("drain stopped: no auth token")
			return err
		}
		if err != nil {
			e.backoff.Failure(e.now())
			metrics.BatchesSent.WithLabelValues("failed").Inc()
			e.log.Warn().
				Err(err).
				Int("batch", i+1).
				Dur("retry_in", e.backoff.Delay()).
				Msg("batch send failed")
			return fmt.Errorf("send batch: %w", err)
		}

		if err := e.queue.MarkSent(ctx, ids); err != nil {
			// delivered but not marked; the batch will be resent next run
			metrics.StorageErrors.Inc()
			return fmt.Errorf("mark sent: %w", err)
		}

		e.backoff.Success()
		e.setLastSync(e.now())
		metrics.BatchesSent.WithLabelValues("ok").Inc()
		metrics.RecordsDelivered.Add(float64(len(recs)))
		rep.Batches++
		rep.Delivered += len(recs)

		if len(recs) < e.opts.BatchSize {
			break
		}
	}

	e.log.Info().Int("batches", rep.Batches).Int("delivered", rep.Delivered).Msg("drain complete")
	return nil
}

// thresholdMet applies the non-forced send rule: a full batch is waiting, or the
// oldest record has waited MaxWait, or its age is implausibly negative.
func (e *Engine) thresholdMet(ctx context.Context, count int64, now time.Time) (bool, error) {
	if count >= int64(e.opts.BatchSize) {
		return true, nil
	}
	oldest, err := e.queue.OldestUnsentCreatedAt(ctx)
	if err != nil {
		metrics.StorageErrors.Inc()
		return false, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest == nil {
		return false, nil
	}
	age := now.Sub(*oldest)
	return age >= e.opts.MaxWait || age < -e.opts.ClockSkewLimit, nil
}

func (e *Engine) publish(fn func(ctx context.Context) error) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(e.baseCtx, 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.log.Debug().Err(err).Msg("publish event")
		}
	}()
}

func (e *Engine) setBatching(ids []uint64, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if on {
			e.batching[id] = struct{}{}
		} else {
			delete(e.batching, id)
		}
	}
}

func (e *Engine) setLastSync(t time.Time) {
	e.mu.Lock()
	e.lastSyncMs = t.UnixMilli()
	e.mu.Unlock()
}

func (e *Engine) IsSyncing() bool { return e.syncing.Load() }

// LastSyncTimestamp is the unix millisecond time of the last delivery.
func (e *Engine) LastSyncTimestamp() (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSyncMs, e.lastSyncMs != 0
}

func (e *Engine) IsRecordActivelyBatching(id uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.batching[id]
	return ok
}

func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	return e.queue.CountUnsent(ctx)
}

func (e *Engine) BackoffDelay() time.Duration { return e.backoff.Delay() }

func (e *Engine) ResetBackoff() {
	e.backoff.Reset()
	metrics.BackoffSeconds.Set(e.backoff.Delay().Seconds())
}

// Close cancels in-flight drains and waits for background work.
func (e *Engine) Close(ctx context.Context) {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info().Msg("transmission engine stopped")
	case <-ctx.Done():
		e.log.Warn().Msg("transmission engine shutdown timeout")
	}
}
