package calendar

import (
	"fmt"
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar decides which dates are usable for publishing. A date is
// blacked out when its weekday matches the recurring skip rule or when it
// appears in the holiday table.
type Calendar struct {
	skipWeekdays map[time.Weekday]bool
	holidays     map[string]bool // keyed by YYYY-MM-DD in loc
	loc          *time.Location
}

func New(loc *time.Location, skipWeekdays map[time.Weekday]bool, holidays map[string]bool) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if skipWeekdays == nil {
		skipWeekdays = map[time.Weekday]bool{}
	}
	if holidays == nil {
		holidays = map[string]bool{}
	}
	return &Calendar{
		skipWeekdays: skipWeekdays,
		holidays:     holidays,
		loc:          loc,
	}
}

// IsBlackout reports whether t's calendar date is unusable. Pure, no
// failure modes.
func (c *Calendar) IsBlackout(t time.Time) bool {
	local := t.In(c.loc)
	if c.skipWeekdays[local.Weekday()] {
		return true
	}
	return c.holidays[local.Format(dateLayout)]
}

// Window is a time-of-day publishing window.
type Window struct {
	Hour   int
	Minute int
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute)
}

// ParseWindows converts "HH:MM" strings into Windows sorted ascending.
func ParseWindows(specs []string) ([]Window, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no posting windows configured")
	}
	windows := make([]Window, 0, len(specs))
	for _, s := range specs {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return nil, fmt.Errorf("invalid posting window %q: %w", s, err)
		}
		windows = append(windows, Window{Hour: t.Hour(), Minute: t.Minute()})
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Hour != windows[j].Hour {
			return windows[i].Hour < windows[j].Hour
		}
		return windows[i].Minute < windows[j].Minute
	})
	return windows, nil
}
