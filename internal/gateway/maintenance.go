package gateway

import (
	"fmt"
	"time"
)

// MaintenanceWindow is a daily interval during which the exchange is
// expected to be unreachable. End before Start means the window crosses
// midnight.
type MaintenanceWindow struct {
	start, end time.Duration
	loc        *time.Location
	set        bool
}

// ParseMaintenanceWindow parses HH:MM bounds in the named zone. Empty
// bounds disable the window.
func ParseMaintenanceWindow(start, end, tz string) (MaintenanceWindow, error) {
	if start == "" || end == "" {
		return MaintenanceWindow{}, nil
	}

	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return MaintenanceWindow{}, fmt.Errorf("failed to load time zone %q: %w", tz, err)
		}
	}

	s, err := parseClock(start)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	return MaintenanceWindow{start: s, end: e, loc: loc, set: true}, nil
}

// Contains reports whether t falls inside the window
func (w MaintenanceWindow) Contains(t time.Time) bool {
	if !w.set || w.start == w.end {
		return false
	}
	local := t.In(w.loc)
	offset := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second

	if w.start < w.end {
		return offset >= w.start && offset < w.end
	}
	return offset >= w.start || offset < w.end
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
