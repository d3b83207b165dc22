// Package schedule maps wall-clock time to the occupancy class of a site,
// used as one dimension of the policy state vector.
package schedule

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Class is the expected occupancy of a monitored space at a point in time.
type Class string

const (
	ClassLecture Class = "lecture"
	ClassBreak   Class = "break"
	ClassEmpty   Class = "empty"
)

// Period is one timetable entry: a set of weekdays and a time-of-day range.
type Period struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"` // "08:00"
	End   string   `yaml:"end"`   // "17:00"
	Class Class    `yaml:"class"`
}

// Timetable resolves the occupancy class for a timestamp. Periods are checked
// in file order; the first match wins, and anything unmatched gets Default.
type Timetable struct {
	Periods []Period `yaml:"periods"`
	Default Class    `yaml:"default"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// Load reads a Timetable from a YAML file.
func Load(path string) (*Timetable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timetable: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates timetable YAML.
func Parse(data []byte) (*Timetable, error) {
	tt := &Timetable{}
	if err := yaml.Unmarshal(data, tt); err != nil {
		return nil, fmt.Errorf("failed to parse timetable YAML: %w", err)
	}
	if tt.Default == "" {
		tt.Default = ClassEmpty
	}
	if err := tt.validate(); err != nil {
		return nil, err
	}
	return tt, nil
}

func (tt *Timetable) validate() error {
	for i, p := range tt.Periods {
		switch p.Class {
		case ClassLecture, ClassBreak, ClassEmpty:
		default:
			return fmt.Errorf("period %d: unknown class %q", i, p.Class)
		}
		if _, err := parseClock(p.Start); err != nil {
			return fmt.Errorf("period %d: bad start: %w", i, err)
		}
		if _, err := parseClock(p.End); err != nil {
			return fmt.Errorf("period %d: bad end: %w", i, err)
		}
		for _, d := range p.Days {
			if _, ok := weekdayNames[normalizeDay(d)]; !ok {
				return fmt.Errorf("period %d: unknown day %q", i, d)
			}
		}
	}
	return nil
}

// ClassAt returns the occupancy class in effect at t.
func (tt *Timetable) ClassAt(t time.Time) Class {
	minute := t.Hour()*60 + t.Minute()
	for _, p := range tt.Periods {
		if !p.matchesDay(t.Weekday()) {
			continue
		}
		start, _ := parseClock(p.Start)
		end, _ := parseClock(p.End)
		if minute >= start && minute < end {
			return p.Class
		}
	}
	return tt.Default
}

func (p *Period) matchesDay(d time.Weekday) bool {
	if len(p.Days) == 0 {
		return true
	}
	for _, name := range p.Days {
		if weekdayNames[normalizeDay(name)] == d {
			return true
		}
	}
	return false
}

func normalizeDay(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > 3 {
		s = s[:3]
	}
	return s
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range: %q", s)
	}
	return h*60 + m, nil
}
