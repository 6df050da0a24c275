package models

import (
	"math"
	"time"
)

// Sample is one observed price point for one instrument.
type Sample struct {
	InstrumentID string    `json:"instrumentId"`
	Timestamp    time.Time `json:"timestamp"`
	Price        float64   `json:"price"`
	Volume       int64     `json:"volume"`
}

// Valid reports whether the sample is an observation that may be stored.
// Zero, negative or non-finite prices mean "no observation".
func (s Sample) Valid() bool {
	if s.InstrumentID == "" || s.Timestamp.IsZero() {
		return false
	}
	if math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return false
	}
	return s.Price > 0 && s.Volume >= 0
}

// ChartData is the normalized output of an intraday source.
type ChartData struct {
	InstrumentID  string
	Source        string
	Samples       []Sample
	Price         float64
	PreviousClose float64
}

// TimelinePoint is one resolved slot of a session timeline.
type TimelinePoint struct {
	Time      string    `json:"time"`
	Value     *float64  `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ReconciledView is the session timeline of one instrument for one local date.
type ReconciledView struct {
	InstrumentID string          `json:"instrumentId"`
	Date         string          `json:"date"`
	Points       []TimelinePoint `json:"points"`
	GeneratedAt  time.Time       `json:"generatedAt"`
	Stale        bool            `json:"stale"`
}

// LastValue returns the last resolved price on the timeline, or 0.
func (v *ReconciledView) LastValue() float64 {
	if v == nil {
		return 0
	}
	for i := len(v.Points) - 1; i >= 0; i-- {
		if v.Points[i].Value != nil {
			return *v.Points[i].Value
		}
	}
	return 0
}
