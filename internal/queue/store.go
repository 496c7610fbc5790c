package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bilal/fleet-tracker/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicate is returned by Append when a record for the same device and
// timestamp already exists. The existing id is returned alongside it.
var ErrDuplicate = errors.New("queue: duplicate sample for device and timestamp")

// locationRow is the persisted form of model.PositionRecord.
type locationRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DeviceID   string    `gorm:"not null;uniqueIndex:idx_location_history_device_ts,priority:1"`
	Latitude   float64   `gorm:"not null"`
	Longitude  float64   `gorm:"not null"`
	SpeedKmh   float64   `gorm:"not null"`
	BearingDeg float64   `gorm:"not null"`
	AltitudeM  float64   `gorm:"not null"`
	Timestamp  int64     `gorm:"not null;index:idx_location_history_sent_ts,priority:2;uniqueIndex:idx_location_history_device_ts,priority:2"`
	Ignition   bool      `gorm:"not null"`
	BatteryPct int       `gorm:"not null"`
	EventCode  int       `gorm:"not null"`
	PowerVolts float64   `gorm:"not null"`
	Priority   int       `gorm:"not null"`
	AccuracyM  *float64  `gorm:"column:accuracy_m"`
	Sent       bool      `gorm:"not null;index:idx_location_history_sent_ts,priority:1"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (locationRow) TableName() string {
	return "location_history"
}

func rowFromRecord(r model.PositionRecord) locationRow {
	return locationRow{
		DeviceID:   r.DeviceID,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		SpeedKmh:   r.SpeedKmh,
		BearingDeg: r.BearingDeg,
		AltitudeM:  r.AltitudeM,
		Timestamp:  r.Timestamp,
		Ignition:   r.Ignition,
		BatteryPct: r.BatteryPct,
		EventCode:  r.EventCode,
		PowerVolts: r.PowerVolts,
		Priority:   r.Priority,
		AccuracyM:  r.AccuracyM,
		Sent:       r.Sent,
		CreatedAt:  r.CreatedAt,
	}
}

func (row locationRow) record() model.PositionRecord {
	return model.PositionRecord{
		ID:         row.ID,
		DeviceID:   row.DeviceID,
		Latitude:   row.Latitude,
		Longitude:  row.Longitude,
		SpeedKmh:   row.SpeedKmh,
		BearingDeg: row.BearingDeg,
		AltitudeM:  row.AltitudeM,
		Timestamp:  row.Timestamp,
		Ignition:   row.Ignition,
		BatteryPct: row.BatteryPct,
		EventCode:  row.EventCode,
		PowerVolts: row.PowerVolts,
		Priority:   row.Priority,
		AccuracyM:  row.AccuracyM,
		Sent:       row.Sent,
		CreatedAt:  row.CreatedAt,
	}
}

// Store is the durable queue and history of position records.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&locationRow{}); err != nil {
		return nil, fmt.Errorf("migrate location_history: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Append inserts rec and returns its id. CreatedAt is stamped with the local clock
// when unset. A record for an existing (device, timestamp) is not inserted and the
// existing row is left untouched.
func (s *Store) Append(ctx context.Context, rec model.PositionRecord) (uint64, error) {
	row := rowFromRecord(rec)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}

	var (
		id  uint64
		dup bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			id = row.ID
			return nil
		}

		var existing locationRow
		if err := tx.Where("device_id = ? AND timestamp = ?", row.DeviceID, row.Timestamp).
			First(&existing).Error; err != nil {
			return err
		}
		id, dup = existing.ID, true
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	if dup {
		return id, ErrDuplicate
	}
	return id, nil
}

// OldestUnsent returns up to limit unsent records in capture order.
func (s *Store) OldestUnsent(ctx context.Context, limit int) ([]model.PositionRecord, error) {
	var rows []locationRow
	err := s.db.WithContext(ctx).
		Where("sent = ?", false).
		Order("timestamp ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query unsent: %w", err)
	}
	out := make([]model.PositionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// MarkSent flags every id as sent in one transaction.
func (s *Store) MarkSent(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&locationRow{}).Where("id IN ?", ids).Update("sent", true).Error
	})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (s *Store) CountUnsent(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&locationRow{}).Where("sent = ?", false).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count unsent: %w", err)
	}
	return n, nil
}

// OldestUnsentCreatedAt returns nil when the queue is empty.
func (s *Store) OldestUnsentCreatedAt(ctx context.Context) (*time.Time, error) {
	var rows []locationRow
	err := s.db.WithContext(ctx).
		Select("created_at").
		Where("sent = ?", false).
		Order("created_at ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query oldest unsent: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := rows[0].CreatedAt
	return &t, nil
}

// History returns the newest records first, sent or not.
func (s *Store) History(ctx context.Context, limit int) ([]model.PositionRecord, error) {
	var rows []locationRow
	err := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := make([]model.PositionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Clear deletes every record. Only user-initiated history clearing and logout use it.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&locationRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("clear history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
