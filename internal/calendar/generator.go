package calendar

import (
	"time"
)

// Generator produces the canonical slot sequence: for each non-blackout
// date, every window in ascending time-of-day order, all strictly after
// the starting instant.
type Generator struct {
	cal         *Calendar
	windows     []Window
	loc         *time.Location
	horizonDays int
}

func NewGenerator(cal *Calendar, windows []Window, loc *time.Location, horizonDays int) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = 365
	}
	return &Generator{
		cal:         cal,
		windows:     windows,
		loc:         loc,
		horizonDays: horizonDays,
	}
}

func (g *Generator) slotAt(date time.Time, w Window) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), w.Hour, w.Minute, 0, 0, g.loc)
}

// NextSlots returns the first count future slots strictly after since, in
// chronological order. The search is bounded by the configured horizon:
// if the calendar blacks out every date inside it (a misconfiguration,
// not a normal state) the generator pads the result with first-window
// slots on consecutive days past since, ignoring the blackout rule, so
// callers always get count slots back.
func (g *Generator) NextSlots(count int, since time.Time) []time.Time {
	if count <= 0 || len(g.windows) == 0 {
		return nil
	}

	slots := make([]time.Time, 0, count)
	date := since.In(g.loc)

	for day := 0; day <= g.horizonDays && len(slots) < count; day++ {
		d := date.AddDate(0, 0, day)
		if g.cal != nil && g.cal.IsBlackout(d) {
			continue
		}
		for _, w := range g.windows {
			slot := g.slotAt(d, w)
			if !slot.After(since) {
				continue
			}
			slots = append(slots, slot)
			if len(slots) == count {
				break
			}
		}
	}

	// Horizon exhausted: escape hatch against a fully blacked-out
	// calendar. Fall back to the first window on consecutive days.
	for day := 1; len(slots) < count; day++ {
		slot := g.slotAt(date.AddDate(0, 0, day), g.windows[0])
		if !slot.After(since) {
			continue
		}
		if len(slots) > 0 && !slot.After(slots[len(slots)-1]) {
			continue
		}
		slots = append(slots, slot)
	}

	return slots
}

// NextEmptyWindow finds the earliest slot within the look-ahead period
// that no scheduled time occupies (to the minute). Returns the zero time
// when every upcoming window is taken.
func (g *Generator) NextEmptyWindow(now time.Time, within time.Duration, scheduled []time.Time) time.Time {
	occupied := make(map[string]bool, len(scheduled))
	for _, t := range scheduled {
		occupied[t.In(g.loc).Format("2006-01-02 15:04")] = true
	}

	deadline := now.Add(within)
	days := int(within/(24*time.Hour)) + 1
	for _, slot := range g.NextSlots(days*len(g.windows), now) {
		if slot.After(deadline) {
			break
		}
		if !occupied[slot.In(g.loc).Format("2006-01-02 15:04")] {
			return slot
		}
	}
	return time.Time{}
}
