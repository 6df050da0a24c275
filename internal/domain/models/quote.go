package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the current price tile of one instrument.
type Quote struct {
	InstrumentID  string          `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category,omitempty"`
	Price         float64         `json:"price"`
	PreviousClose float64         `json:"prevClose"`
	Change        float64         `json:"diff"`
	ChangePercent float64         `json:"change"`
	Volume        int64           `json:"volume"`
	Source        string          `json:"source"`
	FetchedAt     time.Time       `json:"fetchedAt"`
	Stale         bool            `json:"stale"`
	Timeline      []TimelinePoint `json:"data,omitempty"`
}

// IsUp reports whether the price is at or above the previous close.
func (q *Quote) IsUp() bool { return q.Change >= 0 }

// ApplyPreviousClose derives change and change percent from prev.
func (q *Quote) ApplyPreviousClose(prev float64) {
	q.PreviousClose = prev
	if prev <= 0 {
		q.Change, q.ChangePercent = 0, 0
		return
	}
	price := decimal.NewFromFloat(q.Price)
	p := decimal.NewFromFloat(prev)
	diff := price.Sub(p)
	q.Change = diff.Round(2).InexactFloat64()
	q.ChangePercent = diff.Div(p).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// DailyRecord is one row of the exchange's daily closing snapshot.
type DailyRecord struct {
	Code          string  `json:"id"`
	Name          string  `json:"name"`
	Close         float64 `json:"price"`
	Change        float64 `json:"change"`
	PreviousClose float64 `json:"prevClose"`
	ChangePercent float64 `json:"changePercent"`
	Volume        int64   `json:"volume"`
}

// Sample converts the record into a single current-price sample.
func (r DailyRecord) Sample(at time.Time) Sample {
	return Sample{InstrumentID: r.Code, Timestamp: at, Price: r.Close, Volume: r.Volume}
}

// SnapshotFile is the JSON document written by the sync job.
type SnapshotFile struct {
	LastUpdated time.Time                `json:"lastUpdated"`
	TWDate      string                   `json:"twDate"`
	Stocks      map[string]SnapshotEntry `json:"stocks"`
}

// SnapshotEntry is one instrument inside SnapshotFile.
type SnapshotEntry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     float64         `json:"price"`
	Diff      float64         `json:"diff"`
	Change    float64         `json:"change"`
	IsUp      bool            `json:"isUp"`
	LastPrice float64         `json:"lastPrice"`
	Stale     bool            `json:"stale"`
	Data      []TimelinePoint `json:"data"`
}

// MarketIndex is the latest level of one exchange index.
type MarketIndex struct {
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Value         float64   `json:"val"`
	Change        float64   `json:"diff"`
	ChangePercent float64   `json:"change"`
	Stale         bool      `json:"stale,omitempty"`
	FetchedAt     time.Time `json:"fetchedAt"`
}
