package session

import "github.com/bilal/fleet-tracker/internal/model"

// State is the durable counters of the current tracking session.
// Nil fields mean "not yet known".
type State struct {
	AccumulatedDistanceM float64           `json:"accumulatedDistanceM"`
	LastCoordinate       *model.Coordinate `json:"lastCoordinate,omitempty"`
	LastSyncCoordinate   *model.Coordinate `json:"lastSyncCoordinate,omitempty"`
	LastSyncHeading      *float64          `json:"lastSyncHeading,omitempty"`
	LastSyncTimeMs       *int64            `json:"lastSyncTimeMs,omitempty"`
	SessionStartTimeMs   *int64            `json:"sessionStartTimeMs,omitempty"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (s State) Clone() State {
	out := State{AccumulatedDistanceM: s.AccumulatedDistanceM}
	if s.LastCoordinate != nil {
		c := *s.LastCoordinate
		out.LastCoordinate = &c
	}
	if s.LastSyncCoordinate != nil {
		c := *s.LastSyncCoordinate
		out.LastSyncCoordinate = &c
	}
	if s.LastSyncHeading != nil {
		h := *s.LastSyncHeading
		out.LastSyncHeading = &h
	}
	if s.LastSyncTimeMs != nil {
		v := *s.LastSyncTimeMs
		out.LastSyncTimeMs = &v
	}
	if s.SessionStartTimeMs != nil {
		v := *s.SessionStartTimeMs
		out.SessionStartTimeMs = &v
	}
	return out
}

// stateRow is the single persisted session row.
type stateRow struct {
	ID                   uint `gorm:"primaryKey"`
	AccumulatedDistanceM float64
	LastLat              *float64
	LastLon              *float64
	LastSyncLat          *float64
	LastSyncLon          *float64
	LastSyncHeading      *float64
	LastSyncTimeMs       *int64
	SessionStartTimeMs   *int64
}

func (stateRow) TableName() string {
	return "session_state"
}

const rowID = 1

func rowFromState(s State) stateRow {
	row := stateRow{
		ID:                   rowID,
		AccumulatedDistanceM: s.AccumulatedDistanceM,
		LastSyncHeading:      s.LastSyncHeading,
		LastSyncTimeMs:       s.LastSyncTimeMs,
		SessionStartTimeMs:   s.SessionStartTimeMs,
	}
	if c := s.LastCoordinate; c != nil {
		lat, lon := c.Latitude, c.Longitude
		row.LastLat, row.LastLon = &lat, &lon
	}
	if c := s.LastSyncCoordinate; c != nil {
		lat, lon := c.Latitude, c.Longitude
		row.LastSyncLat, row.LastSyncLon = &lat, &lon
	}
	return row
}

func (row stateRow) state() State {
	s := State{
		AccumulatedDistanceM: row.AccumulatedDistanceM,
		LastSyncHeading:      row.LastSyncHeading,
		LastSyncTimeMs:       row.LastSyncTimeMs,
		SessionStartTimeMs:   row.SessionStartTimeMs,
	}
	if row.LastLat != nil && row.LastLon != nil {
		s.LastCoordinate = &model.Coordinate{Latitude: *row.LastLat, Longitude: *row.LastLon}
	}
	if row.LastSyncLat != nil && row.LastSyncLon != nil {
		s.LastSyncCoordinate = &model.Coordinate{Latitude: *row.LastSyncLat, Longitude: *row.LastSyncLon}
	}
	return s
}
