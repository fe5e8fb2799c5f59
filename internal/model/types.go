package model

import (
	"encoding/json"
	"time"
)

type TranscriptFragment struct {
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Timestamp time.Time `json:"timestamp"`
}

type DetectionEvent struct {
	Keyword   string             `json:"keyword"`
	Fragment  TranscriptFragment `json:"source_fragment"`
	Timestamp time.Time          `json:"timestamp"`
}

type LocationFix struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

// Valid reports whether the coordinates are inside the WGS84 ranges.
func (f LocationFix) Valid() bool {
	return f.Lat >= -90 && f.Lat <= 90 && f.Lng >= -180 && f.Lng <= 180
}

// Stale reports whether the fix is older than maxAge at now. A non-positive
// maxAge disables staleness.
func (f LocationFix) Stale(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(f.CapturedAt) > maxAge
}

type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionListening SessionState = "listening"
	SessionStopped   SessionState = "stopped"
	SessionError     SessionState = "error"
)

type AlertState string

const (
	AlertIdle        AlertState = "idle"
	AlertEscalating  AlertState = "escalating"
	AlertCoolingDown AlertState = "cooling_down"
)

type Cause string

const (
	CauseManual Cause = "manual"
	CauseVoice  Cause = "voice"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Alert is the payload handed to notifiers. Location is nil when no fresh
// fix was available at trigger time.
type Alert struct {
	ID          string       `json:"id"`
	Cause       Cause        `json:"cause"`
	Keyword     string       `json:"keyword,omitempty"`
	Location    *Coordinates `json:"location"`
	TriggeredAt time.Time    `json:"triggeredAt"`
	Recipients  []Contact    `json:"recipients,omitempty"`
	Test        bool         `json:"test,omitempty"`
}

// MarshalJSON renders triggeredAt as RFC3339 in UTC.
func (a Alert) MarshalJSON() ([]byte, error) {
	type alias Alert
	return json.Marshal(struct {
		alias
		TriggeredAt string `json:"triggeredAt"`
	}{
		alias:       alias(a),
		TriggeredAt: a.TriggeredAt.UTC().Format(time.RFC3339),
	})
}

type Contact struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email,omitempty"`
	Relationship string `json:"relationship"`
}
