package maestro

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParsedCron is a five-field cron expression (minute hour day-of-month month
// day-of-week) expanded to per-field bitsets. Two expressions are equivalent
// iff their bitsets are equal; Describe renders a canonical form that parses
// back to the same value.
type ParsedCron struct {
	Minute uint64 // bits 0..59
	Hour   uint64 // bits 0..23
	Dom    uint64 // bits 1..31
	Month  uint64 // bits 1..12
	Dow    uint64 // bits 0..6, Sunday=0
}

// cronField describes one position of the expression.
type cronField struct {
	name     string
	min, max int
	names    map[string]int
}

var cronFields = [5]cronField{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}},
	{name: "day-of-week", min: 0, max: 6, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}},
}

var cronAliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a five-field expression with aliases, comma lists, ranges,
// steps, and named months/weekdays.
func ParseCron(expr string) (*ParsedCron, error) {
	trimmed := strings.TrimSpace(expr)
	if alias, ok := cronAliases[strings.ToLower(trimmed)]; ok {
		trimmed = alias
	}
	parts := strings.Fields(trimmed)
	if len(parts) != 5 {
		return nil, E(CodeValidation, "cron %q: want 5 fields, got %d", expr, len(parts))
	}

	var sets [5]uint64
	for i, part := range parts {
		set, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, E(CodeValidation, "cron %q: %v", expr, err)
		}
		sets[i] = set
	}
	return &ParsedCron{Minute: sets[0], Hour: sets[1], Dom: sets[2], Month: sets[3], Dow: sets[4]}, nil
}

// parseCronField expands one comma-separated field into a bitset.
func parseCronField(part string, f cronField) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(part, ",") {
		bits, err := parseCronItem(item, f)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	if set == 0 {
		return 0, fmt.Errorf("%s: empty field %q", f.name, part)
	}
	return set, nil
}

// parseCronItem handles a single item: "*", "*/n", "a", "a-b", "a-b/n",
// or a name.
func parseCronItem(item string, f cronField) (uint64, error) {
	step := 1
	if base, stepStr, ok := strings.Cut(item, "/"); ok {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s: bad step in %q", f.name, item)
		}
		step = n
		item = base
	}

	lo, hi := f.min, f.max
	if item != "*" {
		loStr, hiStr, isRange := strings.Cut(item, "-")
		v, err := cronValue(loStr, f)
		if err != nil {
			return 0, err
		}
		lo = v
		if isRange {
			v, err := cronValue(hiStr, f)
			if err != nil {
				return 0, err
			}
			hi = v
		} else if step == 1 {
			hi = lo
		}
		// A bare value with a step ("5/15") ranges to the field max,
		// matching the Unix convention.
	}
	if lo > hi {
		return 0, fmt.Errorf("%s: inverted range %q", f.name, item)
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

// cronValue parses a numeric or named field value, normalizing weekday 7 to 0.
func cronValue(s string, f cronField) (int, error) {
	if f.names != nil {
		if v, ok := f.names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad value %q", f.name, s)
	}
	if f.name == "day-of-week" && v == 7 {
		v = 0
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("%s: value %d out of range %d-%d", f.name, v, f.min, f.max)
	}
	return v, nil
}

// fullSet returns the bitset covering the whole field range.
func fullSet(f cronField) uint64 {
	var set uint64
	for v := f.min; v <= f.max; v++ {
		set |= 1 << uint(v)
	}
	return set
}

// Matches reports whether t (truncated to the minute, in UTC) satisfies the
// expression. Day-of-month and day-of-week combine with OR when both are
// restricted, per the Unix convention; a field covering its full range is
// unrestricted.
func (p *ParsedCron) Matches(t time.Time) bool {
	t = t.UTC()
	if p.Minute&(1<<uint(t.Minute())) == 0 {
		return false
	}
	if p.Hour&(1<<uint(t.Hour())) == 0 {
		return false
	}
	if p.Month&(1<<uint(int(t.Month()))) == 0 {
		return false
	}
	return p.dayMatches(t)
}

func (p *ParsedCron) dayMatches(t time.Time) bool {
	domHit := p.Dom&(1<<uint(t.Day())) != 0
	dowHit := p.Dow&(1<<uint(int(t.Weekday()))) != 0
	domStar := p.Dom == fullSet(cronFields[2])
	dowStar := p.Dow == fullSet(cronFields[4])
	switch {
	case domStar && dowStar:
		return true
	case domStar:
		return dowHit
	case dowStar:
		return domHit
	default:
		return domHit || dowHit
	}
}

// Next returns the first occurrence strictly after the given time, or the
// zero time when no occurrence exists within four years (e.g. "0 0 30 2 *").
func (p *ParsedCron) Next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if p.Month&(1<<uint(int(t.Month()))) == 0 {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			continue
		}
		if !p.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue
		}
		if p.Hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if p.Minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// Describe renders the canonical five-field form. The result parses back to
// an identical ParsedCron.
func (p *ParsedCron) Describe() string {
	return strings.Join([]string{
		describeField(p.Minute, cronFields[0]),
		describeField(p.Hour, cronFields[1]),
		describeField(p.Dom, cronFields[2]),
		describeField(p.Month, cronFields[3]),
		describeField(p.Dow, cronFields[4]),
	}, " ")
}

// describeField renders a bitset as "*" or a comma list of values and ranges.
func describeField(set uint64, f cronField) string {
	if set == fullSet(f) {
		return "*"
	}
	var parts []string
	v := f.min
	for v <= f.max {
		if set&(1<<uint(v)) == 0 {
			v++
			continue
		}
		start := v
		for v+1 <= f.max && set&(1<<uint(v+1)) != 0 {
			v++
		}
		switch {
		case start == v:
			parts = append(parts, strconv.Itoa(start))
		case start+1 == v:
			parts = append(parts, strconv.Itoa(start), strconv.Itoa(v))
		default:
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(v))
		}
		v++
	}
	return strings.Join(parts, ",")
}

// Equal reports bitset equality.
func (p *ParsedCron) Equal(q *ParsedCron) bool {
	return p.Minute == q.Minute && p.Hour == q.Hour &&
		p.Dom == q.Dom && p.Month == q.Month && p.Dow == q.Dow
}
