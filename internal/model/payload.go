package model

// LocationPayload is the JSON body accepted by the telemetry endpoint.
type LocationPayload struct {
	ID        string   `json:"id"`
	Ignition  bool     `json:"ignition"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Timestamp int64    `json:"timestamp"`
	Speed     float64  `json:"speed"`
	Bearing   float64  `json:"bearing"`
	Altitude  float64  `json:"altitude"`
	Battery   int      `json:"battery"`
	Event     int      `json:"event"`
	Power     float64  `json:"power"`
	Priority  int      `json:"priority"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	HDOP      *float64 `json:"hdop,omitempty"`
}

// BatchPayload wraps up to one batch of samples.
type BatchPayload struct {
	Locations []LocationPayload `json:"locations"`
}

// Payload maps the record to its wire form. HDOP is estimated as accuracy/5.
func (r PositionRecord) Payload() LocationPayload {
	p := LocationPayload{
		ID:        r.DeviceID,
		Ignition:  r.Ignition,
		Lat:       r.Latitude,
		Lon:       r.Longitude,
		Timestamp: r.Timestamp,
		Speed:     r.SpeedKmh,
		Bearing:   r.BearingDeg,
		Altitude:  r.AltitudeM,
		Battery:   r.BatteryPct,
		Event:     r.EventCode,
		Power:     r.PowerVolts,
		Priority:  r.Priority,
	}
	if r.AccuracyM != nil {
		acc := *r.AccuracyM
		hdop := acc / 5
		p.Accuracy = &acc
		p.HDOP = &hdop
	}
	return p
}

func Payloads(recs []PositionRecord) []LocationPayload {
	out := make([]LocationPayload, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Payload())
	}
	return out
}
