package domain

import "time"

// DateKey formats a local calendar date the way daily buckets are keyed.
const DateKey = "2006-01-02"

// DailyActivity buckets coding seconds by local calendar date in the given
// timezone. Counted gaps that cross local midnight are split proportionally
// across the two days. Every day that saw at least one heartbeat gets an
// entry, even with zero counted seconds: "present but uncountable" is
// distinct from "no data".
func DailyActivity(hbs []Heartbeat, loc *time.Location, gapThreshold time.Duration) (map[string]float64, error) {
	if err := validateTimes(hbs); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	days := make(map[string]float64)
	times := sortedTimes(hbs)
	for _, t := range times {
		key := unixToLocalDate(t, loc).Format(DateKey)
		if _, ok := days[key]; !ok {
			days[key] = 0
		}
	}

	threshold := gapThreshold.Seconds()
	for i := 1; i < len(times); i++ {
		gap := times[i] - times[i-1]
		if gap <= 0 || gap > threshold {
			continue
		}
		addSplitAcrossDays(days, times[i-1], times[i], loc)
	}
	return days, nil
}

// Streak returns the current consecutive-day run of qualifying activity
// ending at "today" in the given timezone. Today is included only once it
// already qualifies; otherwise the streak reflects the most recent
// fully-completed run ending yesterday.
func Streak(hbs []Heartbeat, loc *time.Location, now time.Time, gapThreshold time.Duration, minDaySeconds float64) (int, error) {
	days, err := DailyActivity(hbs, loc, gapThreshold)
	if err != nil {
		return 0, err
	}
	if loc == nil {
		loc = time.UTC
	}
	if minDaySeconds <= 0 {
		minDaySeconds = 1
	}

	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if days[day.Format(DateKey)] < minDaySeconds {
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for days[day.Format(DateKey)] >= minDaySeconds {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak, nil
}

// addSplitAcrossDays distributes the counted interval [from, to] over the
// local dates it touches.
func addSplitAcrossDays(days map[string]float64, from, to float64, loc *time.Location) {
	for from < to {
		day := unixToLocalDate(from, loc)
		nextMidnight := float64(day.AddDate(0, 0, 1).Unix())
		segmentEnd := to
		if nextMidnight < segmentEnd {
			segmentEnd = nextMidnight
		}
		days[day.Format(DateKey)] += segmentEnd - from
		from = segmentEnd
	}
}

func unixToLocalDate(t float64, loc *time.Location) time.Time {
	sec := int64(t)
	nsec := int64((t - float64(sec)) * float64(time.Second))
	local := time.Unix(sec, nsec).In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
