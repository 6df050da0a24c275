// Package session models the exchange trading calendar: the local trading
// date, whether the market is open, and the fixed grid of timeline slots.
package session

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	SlotLayout = "15:04"
)

// Config describes one exchange session.
type Config struct {
	Location      *time.Location
	Open          string // HH:MM local
	Close         string // HH:MM local
	Step          time.Duration
	TradeWeekends bool
	Holidays      []string // YYYY-MM-DD local
}

// Clock answers calendar questions for one exchange. It is immutable.
type Clock struct {
	loc           *time.Location
	open          time.Duration // offset from local midnight
	close         time.Duration
	step          time.Duration
	tradeWeekends bool
	holidays      map[string]struct{}
}

// New validates cfg and builds a Clock.
func New(cfg Config) (*Clock, error) {
	if cfg.Location == nil {
		return nil, fmt.Errorf("session: location is required")
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	closeAt, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("session: close %s must be after open %s", cfg.Close, cfg.Open)
	}
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("session: step must be positive")
	}
	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation(DateLayout, h, cfg.Location); err != nil {
			return nil, fmt.Errorf("session holiday %q: %w", h, err)
		}
		holidays[h] = struct{}{}
	}
	return &Clock{
		loc:           cfg.Location,
		open:          open,
		close:         closeAt,
		step:          cfg.Step,
		tradeWeekends: cfg.TradeWeekends,
		holidays:      holidays,
	}, nil
}

// Taipei returns the TWSE session: 09:00-13:30 Asia/Taipei, 5 minute step.
func Taipei() *Clock {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	c, _ := New(Config{Location: loc, Open: "09:00", Close: "13:30", Step: 5 * time.Minute})
	return c
}

func (c *Clock) Location() *time.Location { return c.loc }
func (c *Clock) Step() time.Duration      { return c.step }

// Date returns the exchange-local calendar date of t.
func (c *Clock) Date(t time.Time) string { return t.In(c.loc).Format(DateLayout) }

// Today is Date(now).
func (c *Clock) Today(now time.Time) string { return c.Date(now) }

// SameDay reports whether t falls on the exchange-local date.
func (c *Clock) SameDay(t time.Time, date string) bool { return c.Date(t) == date }

// IsTradingDay reports whether now's local date is a session day.
func (c *Clock) IsTradingDay(now time.Time) bool {
	local := now.In(c.loc)
	if !c.tradeWeekends {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	_, holiday := c.holidays[local.Format(DateLayout)]
	return !holiday
}

// IsOpen reports whether now is inside [open, close] on a trading day.
func (c *Clock) IsOpen(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	midnight := c.midnight(now.In(c.loc))
	start := midnight.Add(c.open)
	end := midnight.Add(c.close)
	return !now.Before(start) && !now.After(end)
}

// DayBounds returns [start, end) of the local date as absolute instants.
func (c *Clock) DayBounds(date string) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("session date %q: %w", date, err)
	}
	return d, d.AddDate(0, 0, 1), nil
}

// Slots returns the session grid for date, both ends included.
func (c *Clock) Slots(date string) ([]time.Time, error) {
	d, _, err := c.DayBounds(date)
	if err != nil {
		return nil, err
	}
	n := int((c.close-c.open)/c.step) + 1
	slots := make([]time.Time, 0, n)
	for off := c.open; off <= c.close; off += c.step {
		slots = append(slots, c.at(d, off))
	}
	return slots, nil
}

// SlotCount is the number of slots on every session day.
func (c *Clock) SlotCount() int { return int((c.close-c.open)/c.step) + 1 }

func (c *Clock) midnight(local time.Time) time.Time {
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// at builds the wall-clock instant rather than adding a duration, so DST days stay aligned.
func (c *Clock) at(day time.Time, off time.Duration) time.Time {
	y, m, d := day.Date()
	h := int(off / time.Hour)
	min := int((off % time.Hour) / time.Minute)
	sec := int((off % time.Minute) / time.Second)
	return time.Date(y, m, d, h, min, sec, 0, c.loc)
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse(SlotLayout, s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
