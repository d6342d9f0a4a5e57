// Package calendar provides the public holiday and academic semester tables
// that drive the calendar covariates of store revenue models.
//
// The default tables are embedded from holidays.yaml and cover Korean public
// holidays (fixed-date, lunar, substitute and election days) and university
// semester ranges. Deployments can replace them with an override file that
// follows the same schema via [Load].
//
// All dates are handled at day resolution in UTC. Use [Day] to normalize a
// timestamp before comparing it with calendar dates.
package calendar

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed holidays.yaml
var defaultTable []byte

const dateLayout = "2006-01-02"

// Range is an inclusive range of days.
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the range, inclusive on both ends.
func (r Range) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Calendar answers holiday and semester questions for a single region.
// It is immutable after construction and safe for concurrent use.
type Calendar struct {
	fixed     map[monthDay]string
	dated     map[time.Time]string
	semesters []Range
}

type monthDay struct {
	month time.Month
	day   int
}

type tableFile struct {
	Fixed     []tableEntry `yaml:"fixed"`
	Dated     []tableEntry `yaml:"dated"`
	Semesters []struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"semesters"`
}

type tableEntry struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// Default returns the calendar built from the embedded tables.
func Default() *Calendar {
	cal, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("calendar: embedded table is invalid: %v", err))
	}
	return cal
}

// Load reads a calendar table from path.
func Load(path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}
	return Parse(data)
}

// Parse builds a calendar from YAML table data.
func Parse(data []byte) (*Calendar, error) {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("decode calendar table: %w", err)
	}

	cal := &Calendar{
		fixed: make(map[monthDay]string, len(tf.Fixed)),
		dated: make(map[time.Time]string, len(tf.Dated)),
	}

	for _, e := range tf.Fixed {
		t, err := time.Parse("01-02", e.Date)
		if err != nil {
			return nil, fmt.Errorf("fixed holiday %q: %w", e.Date, err)
		}
		cal.fixed[monthDay{t.Month(), t.Day()}] = e.Name
	}

	for _, e := range tf.Dated {
		t, err := time.Parse(dateLayout, e.Date)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", e.Date, err)
		}
		cal.dated[t] = e.Name
	}

	for _, s := range tf.Semesters {
		start, err := time.Parse(dateLayout, s.Start)
		if err != nil {
			return nil, fmt.Errorf("semester start %q: %w", s.Start, err)
		}
		end, err := time.Parse(dateLayout, s.End)
		if err != nil {
			return nil, fmt.Errorf("semester end %q: %w", s.End, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("semester %s ends before it starts", s.Start)
		}
		cal.semesters = append(cal.semesters, Range{Start: start, End: end})
	}
	sort.Slice(cal.semesters, func(i, j int) bool {
		return cal.semesters[i].Start.Before(cal.semesters[j].Start)
	})

	return cal, nil
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// FormatDay formats t as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.Format(dateLayout)
}

// IsWeekend reports whether t is a Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Weekday returns the day of week with Monday as 0 and Sunday as 6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// IsSemesterMonth reports whether m is a teaching month (Mar-Jun, Sep-Dec).
func IsSemesterMonth(m time.Month) bool {
	switch m {
	case time.March, time.April, time.May, time.June,
		time.September, time.October, time.November, time.December:
		return true
	}
	return false
}

// HolidayName returns the holiday name for t, if any.
func (c *Calendar) HolidayName(t time.Time) (string, bool) {
	d := Day(t)
	if name, ok := c.dated[d]; ok {
		return name, true
	}
	name, ok := c.fixed[monthDay{d.Month(), d.Day()}]
	return name, ok
}

// IsHoliday reports whether t is a public holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.HolidayName(t)
	return ok
}

// Holidays returns every holiday in [from, to], sorted.
func (c *Calendar) Holidays(from, to time.Time) []time.Time {
	var out []time.Time
	for d := Day(from); !d.After(Day(to)); d = d.AddDate(0, 0, 1) {
		if c.IsHoliday(d) {
			out = append(out, d)
		}
	}
	return out
}

// InSemester reports whether t falls inside a semester range.
func (c *Calendar) InSemester(t time.Time) bool {
	for _, r := range c.semesters {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// Semesters returns a copy of the semester ranges.
func (c *Calendar) Semesters() []Range {
	out := make([]Range, len(c.semesters))
	copy(out, c.semesters)
	return out
}
