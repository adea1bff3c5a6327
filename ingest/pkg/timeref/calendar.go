package timeref

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Calendar is a CF calendar convention. Non-Gregorian calendars keep their
// own day-count arithmetic; the resulting nominal date is mapped onto the
// Gregorian timeline with the day-of-month clamped where it has no real
// counterpart (e.g. 360_day February 30th).
type Calendar string

const (
	CalendarStandard  Calendar = "standard"
	CalendarProleptic Calendar = "proleptic_gregorian"
	Calendar360Day    Calendar = "360_day"
	Calendar365Day    Calendar = "365_day"
	Calendar366Day    Calendar = "366_day"
)

// ParseCalendar maps a CF calendar attribute to a Calendar, accepting the
// aliases the conventions define.
func ParseCalendar(s string) (Calendar, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "gregorian":
		return CalendarStandard, nil
	case "proleptic_gregorian":
		return CalendarProleptic, nil
	case "360_day":
		return Calendar360Day, nil
	case "365_day", "noleap", "no_leap":
		return Calendar365Day, nil
	case "366_day", "all_leap", "allleap":
		return Calendar366Day, nil
	}
	return "", fmt.Errorf("unsupported calendar %q", s)
}

// CFUnit is the unit component of a CF "units since reference" string.
type CFUnit string

const (
	UnitSeconds CFUnit = "seconds"
	UnitMinutes CFUnit = "minutes"
	UnitHours   CFUnit = "hours"
	UnitDays    CFUnit = "days"
	UnitWeeks   CFUnit = "weeks"
	UnitMonths  CFUnit = "months"
	UnitYears   CFUnit = "years"
)

var unitAliases = map[string]CFUnit{
	"second": UnitSeconds, "seconds": UnitSeconds, "sec": UnitSeconds, "secs": UnitSeconds, "s": UnitSeconds,
	"minute": UnitMinutes, "minutes": UnitMinutes, "min": UnitMinutes, "mins": UnitMinutes,
	"hour": UnitHours, "hours": UnitHours, "hr": UnitHours, "hrs": UnitHours, "h": UnitHours,
	"day": UnitDays, "days": UnitDays, "d": UnitDays,
	"week": UnitWeeks, "weeks": UnitWeeks,
	"month": UnitMonths, "months": UnitMonths,
	"year": UnitYears, "years": UnitYears,
}

// secondsPer returns the fixed width of the unit in seconds, or false for
// calendar-dependent units (months, years).
func (u CFUnit) secondsPer() (float64, bool) {
	switch u {
	case UnitSeconds:
		return 1, true
	case UnitMinutes:
		return 60, true
	case UnitHours:
		return 3600, true
	case UnitDays:
		return 86400, true
	case UnitWeeks:
		return 7 * 86400, true
	}
	return 0, false
}

var referenceLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2 15:4:5",
	"2006-1-2",
}

// ParseCFUnits computes the reference epoch and unit scale from a CF units
// string of the form "<unit> since <reference-date>". This is the exact
// detection path: no magnitude heuristics are involved.
func ParseCFUnits(units, calendar string) (Reference, error) {
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return Reference{}, fmt.Errorf("units %q is not of the form \"<unit> since <reference>\"", units)
	}

	unit, ok := unitAliases[strings.ToLower(strings.TrimSpace(parts[0]))]
	if !ok {
		return Reference{}, fmt.Errorf("unsupported time unit %q", parts[0])
	}

	ref := strings.TrimSpace(parts[1])
	ref = strings.TrimSuffix(ref, " UTC")
	var epoch time.Time
	var err error
	for _, layout := range referenceLayouts {
		epoch, err = time.Parse(layout, ref)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Reference{}, fmt.Errorf("unparseable reference date %q", parts[1])
	}

	cal, err := ParseCalendar(calendar)
	if err != nil {
		return Reference{}, err
	}

	return Reference{
		Scheme:   SchemeCFUnits,
		Rank:     2,
		Epoch:    epoch.UTC(),
		Unit:     unit,
		Calendar: cal,
	}, nil
}

func (r Reference) cfInstant(v float64) (time.Time, error) {
	if sec, fixed := r.Unit.secondsPer(); fixed {
		total := v * sec
		if r.Calendar == CalendarStandard || r.Calendar == CalendarProleptic {
			days := math.Floor(total / 86400)
			rem := total - days*86400
			return r.Epoch.AddDate(0, 0, int(days)).Add(time.Duration(rem * float64(time.Second))), nil
		}
		return addCalendarSeconds(r.Epoch, total, r.Calendar), nil
	}

	months := v
	if r.Unit == UnitYears {
		months = v * 12
	}
	if r.Calendar == CalendarStandard || r.Calendar == CalendarProleptic {
		return addMonths(r.Epoch, months), nil
	}
	return addCalendarMonths(r.Epoch, months, r.Calendar), nil
}

var (
	monthLensNoLeap  = [13]int{0, 31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	monthLensAllLeap = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
)

// daysIn returns the length of a month under the given calendar.
func daysIn(year int, m time.Month, cal Calendar) int {
	switch cal {
	case Calendar360Day:
		return 30
	case Calendar365Day:
		return monthLensNoLeap[m]
	case Calendar366Day:
		return monthLensAllLeap[m]
	}
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// addCalendarSeconds advances the epoch by a second count using the
// synthetic calendar's month lengths, then maps the nominal date onto the
// Gregorian timeline.
func addCalendarSeconds(epoch time.Time, totalSec float64, cal Calendar) time.Time {
	y, m, d := epoch.Date()
	secOfDay := float64(epoch.Hour()*3600+epoch.Minute()*60+epoch.Second()) + float64(epoch.Nanosecond())/1e9

	total := totalSec + secOfDay
	days := int(math.Floor(total / 86400))
	rem := total - float64(days)*86400

	d += days
	for d > daysIn(y, m, cal) {
		d -= daysIn(y, m, cal)
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}
	for d < 1 {
		m--
		if m < time.January {
			m = time.December
			y--
		}
		d += daysIn(y, m, cal)
	}

	return toGregorian(y, m, d).Add(time.Duration(rem * float64(time.Second)))
}

func addCalendarMonths(epoch time.Time, months float64, cal Calendar) time.Time {
	whole := int(math.Floor(months))
	rem := months - math.Floor(months)

	y, m, d := epoch.Date()
	total := int(m) - 1 + whole
	yOff := total / 12
	mIdx := total % 12
	if mIdx < 0 {
		mIdx += 12
		yOff--
	}
	y += yOff
	m = time.Month(mIdx + 1)
	if max := daysIn(y, m, cal); d > max {
		d = max
	}

	t := toGregorian(y, m, d).Add(timeOfDay(epoch))
	if rem == 0 {
		return t
	}
	return t.Add(time.Duration(rem * float64(daysIn(y, m, cal)) * float64(24*time.Hour)))
}

// toGregorian maps a nominal calendar date onto a real UTC instant, clamping
// the day where the Gregorian month is shorter.
func toGregorian(y int, m time.Month, d int) time.Time {
	if max := daysIn(y, m, CalendarStandard); d > max {
		d = max
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func timeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}
