// Package sla holds the business-hour aware time arithmetic shared by the rules.
package sla

import (
	"fmt"
	"strings"
	"time"
)

const (
	ResponseWindow = time.Hour
	SinkTimeLayout = "2006-01-02 15:04:05"
)

// Calendar evaluates every interval in one civil timezone.
type Calendar struct {
	Location  *time.Location
	OpenHour  int
	CloseHour int
}

func NewCalendar(loc *time.Location, openHour, closeHour int) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Location: loc, OpenHour: openHour, CloseHour: closeHour}
}

func (c Calendar) In(t time.Time) time.Time {
	return t.In(c.Location)
}

// OlderThan reports whether strictly more than d has passed since t.
func (c Calendar) OlderThan(now, t time.Time, d time.Duration) bool {
	return now.Sub(t) > d
}

// Within is inclusive at lo and exclusive at hi.
func (c Calendar) Within(t, lo, hi time.Time) bool {
	return !t.Before(lo) && t.Before(hi)
}

// RequiredAttempts maps the local hour a divergence was fixed to the number of
// unsuccessful calls expected before the manager may give up.
func (c Calendar) RequiredAttempts(hour int) int {
	switch {
	case hour >= 13 && hour < 16:
		return 2
	case hour >= 16 && hour < c.CloseHour:
		return 1
	default:
		return 3
	}
}

// NextBusinessOpen is the first-contact deadline for something fixed at t:
// after closing it is the next day's opening, otherwise one hour later.
func (c Calendar) NextBusinessOpen(t time.Time) time.Time {
	local := c.In(t)
	if local.Hour() >= c.CloseHour {
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), c.OpenHour, 0, 0, 0, c.Location)
	}
	return local.Add(ResponseWindow)
}

// ParseCRMTime accepts the CRM's ISO 8601 timestamps with or without fractional seconds.
func (c Calendar) ParseCRMTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"} {
		var (
			t   time.Time
			err error
		)
		if layout == "2006-01-02 15:04:05" {
			t, err = time.ParseInLocation(layout, s, c.Location)
		} else {
			t, err = time.Parse(layout, s)
		}
		if err == nil {
			return t.In(c.Location), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatCRMTime renders t for CRM filter values.
func (c Calendar) FormatCRMTime(t time.Time) string {
	return c.In(t).Format(time.RFC3339)
}

func (c Calendar) Format(t time.Time) string {
	return c.In(t).Format(SinkTimeLayout)
}
