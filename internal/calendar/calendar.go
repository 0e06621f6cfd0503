// Package calendar computes session-aligned wall-clock boundaries and the
// compressed minute-axis row indices used by the archive and scheduler.
//
// It generalizes the original per-exchange singleton hierarchy (SH, SZ, HK,
// NYSE, ...) into a single configurable value loaded from CalendarConfig.
package calendar

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// SnapshotIndexError is returned when a timestamp falls before session open,
// so no compressed-axis index exists for it.
type SnapshotIndexError struct {
	Time time.Time
}

func (e *SnapshotIndexError) Error() string {
	return fmt.Sprintf("calendar: %s is before session open", e.Time.Format(time.RFC3339))
}

// Calendar is the trading-session descriptor: open/close/break wall-clock
// times plus the fixed count of tradable minutes per day, all evaluated in
// a single IANA timezone.
type Calendar struct {
	loc            *time.Location
	preOpen        types.HourMinute
	open           types.HourMinute
	hasBreak       bool
	breakStart     types.HourMinute
	breakEnd       types.HourMinute
	close          types.HourMinute
	sessionMinutes int
}

// New builds a Calendar from config, resolving its timezone.
func New(cfg types.CalendarConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar: load timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.SessionMinutes <= 0 {
		return nil, fmt.Errorf("calendar: session_minutes must be positive, got %d", cfg.SessionMinutes)
	}
	return &Calendar{
		loc:            loc,
		preOpen:        cfg.PreOpen,
		open:           cfg.Open,
		hasBreak:       cfg.HasBreak,
		breakStart:     cfg.BreakStart,
		breakEnd:       cfg.BreakEnd,
		close:          cfg.Close,
		sessionMinutes: cfg.SessionMinutes,
	}, nil
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// SessionMinutes returns the total tradable minutes in one day.
func (c *Calendar) SessionMinutes() int { return c.sessionMinutes }

func (c *Calendar) at(date time.Time, hm types.HourMinute) time.Time {
	d := date.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hm.Hour, hm.Minute, 0, 0, c.loc)
}

// PreOpenTime returns the pre-open instant for the local date of t.
func (c *Calendar) PreOpenTime(t time.Time) time.Time { return c.at(t, c.preOpen) }

// OpenTime returns the session-open instant for the local date of t.
func (c *Calendar) OpenTime(t time.Time) time.Time { return c.at(t, c.open) }

// BreakStartTime returns the lunch-break start for the local date of t.
// Only meaningful when HasBreak is true.
func (c *Calendar) BreakStartTime(t time.Time) time.Time { return c.at(t, c.breakStart) }

// BreakEndTime returns the lunch-break end for the local date of t.
func (c *Calendar) BreakEndTime(t time.Time) time.Time { return c.at(t, c.breakEnd) }

// CloseTime returns the session-close instant for the local date of t.
func (c *Calendar) CloseTime(t time.Time) time.Time { return c.at(t, c.close) }

// HasBreak reports whether the session is split by a lunch break.
func (c *Calendar) HasBreak() bool { return c.hasBreak }

// morningLen returns the number of minutes from open to break start. For a
// calendar with no break, this is the entire session: the break becomes the
// degenerate empty interval at session end, per the single shared formula.
func (c *Calendar) morningLen(t time.Time) int {
	if !c.hasBreak {
		return c.sessionMinutes
	}
	return int(c.BreakStartTime(t).Sub(c.OpenTime(t)) / time.Minute)
}

// MinuteIndex maps a wall-clock timestamp to its row index on the
// compressed minute axis shared by the minute-snapshot and 1-minute
// archives (both of length SessionMinutes). It implements the edge cases
// of the split-session compressed axis:
//
//   - index in [0, morning_len) -> as-is
//   - index within the lunch break -> snapped to morning_len-1, timestamp
//     rewritten to break start
//   - index in [afternoon_start_index, total) -> lunch gap subtracted out
//   - index >= total -> snapped to total-1, timestamp rewritten to close
//   - index < 0 -> SnapshotIndexError
//
// A calendar with no break is the degenerate case of this same formula:
// morningLen equals the full session and the break window is empty, so the
// "within break" and "afternoon" branches never trigger.
func (c *Calendar) MinuteIndex(ts time.Time) (int, time.Time, error) {
	ts = ts.In(c.loc)
	open := c.OpenTime(ts)
	if ts.Before(open) {
		return 0, ts, &SnapshotIndexError{Time: ts}
	}

	total := c.sessionMinutes
	morningLen := c.morningLen(ts)

	if c.hasBreak {
		breakStart := c.BreakStartTime(ts)
		breakEnd := c.BreakEndTime(ts)
		switch {
		case ts.Before(breakStart):
			idx := int(ts.Sub(open) / time.Minute)
			return idx, ts, nil
		case ts.Before(breakEnd):
			return morningLen - 1, breakStart, nil
		default:
			afternoonMinutes := int(ts.Sub(breakEnd) / time.Minute)
			idx := morningLen + afternoonMinutes
			if idx >= total {
				return total - 1, c.CloseTime(ts), nil
			}
			return idx, ts, nil
		}
	}

	idx := int(ts.Sub(open) / time.Minute)
	if idx >= total {
		return total - 1, c.CloseTime(ts), nil
	}
	return idx, ts, nil
}

// FiveMinuteIndex maps a timestamp to its row index on the 5-minute axis
// (length SessionMinutes/5), derived from MinuteIndex by downsampling.
func (c *Calendar) FiveMinuteIndex(ts time.Time) (int, time.Time, error) {
	idx, adjusted, err := c.MinuteIndex(ts)
	if err != nil {
		return 0, ts, err
	}
	return idx / 5, adjusted, nil
}

// DayIndex returns the ISO year and row index into that year's 265-row day
// archive (53 ISO weeks x 5 weekdays). ISO weeks start on Monday; a date
// near a year boundary may belong to an ISO year different from its
// calendar year, which is intentional.
func DayIndex(t time.Time) (isoYear, idx int) {
	isoYear, isoWeek := t.ISOWeek()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	idx = (isoWeek-1)*5 + (weekday - 1)
	return isoYear, idx
}
