package escalation

import (
	"fmt"
	"time"

	"github.com/pitabwire/assent/model"
)

// Calendar performs business-time arithmetic. Accrual is continuous within
// business windows: a span that starts outside a window begins accruing at
// the next window open, and partial days count their exact in-window
// fraction. All methods are pure and safe for concurrent use.
type Calendar struct {
	loc           *time.Location
	businessStart time.Duration // offset from midnight
	businessEnd   time.Duration
	weekend       map[time.Weekday]bool
	holidays      map[string]bool // YYYY-MM-DD in the calendar timezone
}

// CalendarConfig declares the working-time windows.
type CalendarConfig struct {
	Timezone      string
	BusinessStart string // HH:MM
	BusinessEnd   string // HH:MM
	WeekendDays   []time.Weekday
	Holidays      []string // YYYY-MM-DD
}

// NewCalendar builds a calendar from config. Zero-value fields fall back
// to UTC, 09:00-17:00, Saturday+Sunday weekends.
func NewCalendar(cfg CalendarConfig) (*Calendar, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}

	start, err := parseClock(cfg.BusinessStart, 9*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("business_start: %w", err)
	}
	end, err := parseClock(cfg.BusinessEnd, 17*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("business_end: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("business window %s-%s is empty", cfg.BusinessStart, cfg.BusinessEnd)
	}

	weekend := map[time.Weekday]bool{}
	if len(cfg.WeekendDays) == 0 {
		weekend[time.Saturday] = true
		weekend[time.Sunday] = true
	}
	for _, d := range cfg.WeekendDays {
		weekend[d] = true
	}

	holidays := map[string]bool{}
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		holidays[h] = true
	}

	return &Calendar{
		loc:           loc,
		businessStart: start,
		businessEnd:   end,
		weekend:       weekend,
		holidays:      holidays,
	}, nil
}

func parseClock(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// workingDay reports whether t's date counts, given the rule's calendar
// flags.
func (c *Calendar) workingDay(t time.Time, rule model.EscalationRule) bool {
	if rule.ExcludeWeekends && c.weekend[t.Weekday()] {
		return false
	}
	if rule.ExcludeHolidays && c.holidays[t.Format("2006-01-02")] {
		return false
	}
	return true
}

// dayWindow returns the business window of t's date. When the rule does
// not restrict to business hours the window is the whole day.
func (c *Calendar) dayWindow(t time.Time, rule model.EscalationRule) (time.Time, time.Time) {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
	if !rule.BusinessHoursOnly {
		return midnight, nextMidnight(t, c.loc)
	}
	return midnight.Add(c.businessStart), midnight.Add(c.businessEnd)
}

// calendarBound reports whether the rule uses any calendar flag at all.
func calendarBound(rule model.EscalationRule) bool {
	return rule.BusinessHoursOnly || rule.ExcludeWeekends || rule.ExcludeHolidays
}

// ElapsedWithin returns the accrued time between from and to under the
// rule's calendar flags.
func (c *Calendar) ElapsedWithin(from, to time.Time, rule model.EscalationRule) time.Duration {
	if !to.After(from) {
		return 0
	}
	if !calendarBound(rule) {
		return to.Sub(from)
	}

	from = from.In(c.loc)
	to = to.In(c.loc)

	var total time.Duration
	for day := from; day.Before(to); day = nextMidnight(day, c.loc) {
		if !c.workingDay(day, rule) {
			continue
		}
		open, close := c.dayWindow(day, rule)
		lo := maxTime(open, from)
		hi := minTime(close, to)
		if hi.After(lo) {
			total += hi.Sub(lo)
		}
	}
	return total
}

// DeadlineAfter returns the instant at which d of accrued time elapses
// starting at start, honoring the rule's calendar flags. A start outside a
// window begins accruing at the next window open.
func (c *Calendar) DeadlineAfter(start time.Time, d time.Duration, rule model.EscalationRule) time.Time {
	if d <= 0 {
		return start
	}
	if !calendarBound(rule) {
		return start.Add(d)
	}

	cursor := start.In(c.loc)
	remaining := d
	// Walk day by day, consuming each day's in-window span. Bounded by a
	// generous horizon so a calendar with no working days cannot spin.
	for i := 0; i < 366*5; i++ {
		if c.workingDay(cursor, rule) {
			open, close := c.dayWindow(cursor, rule)
			lo := maxTime(open, cursor)
			if close.After(lo) {
				span := close.Sub(lo)
				if span >= remaining {
					return lo.Add(remaining)
				}
				remaining -= span
			}
		}
		cursor = nextMidnight(cursor, c.loc)
	}
	return cursor
}

// nextMidnight advances to the next local midnight. The day overflow is
// normalized by time.Date, which keeps the walk correct on DST transition
// days where adding 24h would land inside the same local date.
func nextMidnight(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
