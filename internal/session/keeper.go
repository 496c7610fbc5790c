package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Keeper caches the session state in memory and writes every change through to
// the database before the cache is updated.
type Keeper struct {
	db  *gorm.DB
	log zerolog.Logger

	mu       sync.Mutex
	hydrated bool
	cache    State
}

func NewKeeper(db *gorm.DB) (*Keeper, error) {
	if err := db.AutoMigrate(&stateRow{}); err != nil {
		return nil, fmt.Errorf("migrate session_state: %w", err)
	}
	return &Keeper{
		db:  db,
		log: log.With().Str("component", "session").Logger(),
	}, nil
}

// EnsureHydrated loads the persisted state once. A failed load leaves the
// keeper unhydrated so the next call retries.
func (k *Keeper) EnsureHydrated(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hydrateLocked(ctx)
}

func (k *Keeper) hydrateLocked(ctx context.Context) error {
	if k.hydrated {
		return nil
	}
	st, err := k.read(ctx)
	if err != nil {
		return err
	}
	k.cache = st
	k.hydrated = true
	k.log.Debug().
		Float64("distance_m", st.AccumulatedDistanceM).
		Bool("active", st.SessionStartTimeMs != nil).
		Msg("session state hydrated")
	return nil
}

func (k *Keeper) read(ctx context.Context) (State, error) {
	var row stateRow
	err := k.db.WithContext(ctx).First(&row, rowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load session state: %w", err)
	}
	return row.state(), nil
}

// Load returns the current state, hydrating first when needed.
func (k *Keeper) Load(ctx context.Context) (State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.hydrateLocked(ctx); err != nil {
		return State{}, err
	}
	return k.cache.Clone(), nil
}

// Save persists st and then replaces the cache. On a storage error the cache
// keeps its previous value.
func (k *Keeper) Save(ctx context.Context, st State) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.hydrateLocked(ctx); err != nil {
		return err
	}
	return k.writeLocked(ctx, st)
}

func (k *Keeper) writeLocked(ctx context.Context, st State) error {
	row := rowFromState(st)
	err := k.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	k.cache = st.Clone()
	return nil
}

// Snapshot returns a copy of the cached state without touching storage.
func (k *Keeper) Snapshot() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cache.Clone()
}

// Reset starts a fresh session at now.
func (k *Keeper) Reset(ctx context.Context, now time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	start := now.UnixMilli()
	if err := k.writeLocked(ctx, State{SessionStartTimeMs: &start}); err != nil {
		return err
	}
	k.hydrated = true
	return nil
}

// Clear removes the persisted session and empties the cache.
func (k *Keeper) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.db.WithContext(ctx).Delete(&stateRow{}, rowID).Error; err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	k.cache = State{}
	k.hydrated = true
	return nil
}

// Active reports whether a session start is persisted.
func (k *Keeper) Active(ctx context.Context) (bool, error) {
	st, err := k.Load(ctx)
	if err != nil {
		return false, err
	}
	return st.SessionStartTimeMs != nil, nil
}
