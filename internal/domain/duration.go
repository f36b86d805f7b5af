package domain

import (
	"sort"
	"time"
)

// DefaultGapThreshold is how long a user can go without a heartbeat and
// still be considered continuously coding. Overridable through config.
const DefaultGapThreshold = 2 * time.Minute

// TotalDuration computes total coding seconds for a heartbeat collection
// using gap-capping: sort ascending and count only gaps between consecutive
// heartbeats that are positive and no longer than the threshold. A lone
// heartbeat contributes nothing; duration is inferred from pairs.
func TotalDuration(hbs []Heartbeat, gapThreshold time.Duration) (float64, error) {
	if err := validateTimes(hbs); err != nil {
		return 0, err
	}
	return totalDuration(sortedTimes(hbs), gapThreshold.Seconds()), nil
}

// GroupedDuration breaks duration down by a caller-supplied dimension key.
// Gap-capping runs within each group's own chronological sequence: switching
// projects mid-gap contributes duration to neither project.
func GroupedDuration(hbs []Heartbeat, keyFn func(Heartbeat) string, gapThreshold time.Duration) (map[string]float64, error) {
	if err := validateTimes(hbs); err != nil {
		return nil, err
	}

	groups := make(map[string][]float64)
	for _, hb := range hbs {
		key := keyFn(hb)
		groups[key] = append(groups[key], hb.Time)
	}

	out := make(map[string]float64, len(groups))
	threshold := gapThreshold.Seconds()
	for key, times := range groups {
		sort.Float64s(times)
		out[key] = totalDuration(times, threshold)
	}
	return out, nil
}

// BoundaryDuration computes duration clipped to an explicit [start, end]
// window. The input may (and for correct boundary behaviour should) include
// heartbeats just outside the window; a counted gap that straddles a
// boundary contributes only the portion inside it. For any split point m,
// BoundaryDuration(start, end) == BoundaryDuration(start, m) +
// BoundaryDuration(m, end).
func BoundaryDuration(hbs []Heartbeat, rangeStart, rangeEnd float64, gapThreshold time.Duration) (float64, error) {
	if err := validateTimes(hbs); err != nil {
		return 0, err
	}
	if rangeEnd <= rangeStart {
		return 0, nil
	}

	times := sortedTimes(hbs)
	threshold := gapThreshold.Seconds()

	var total float64
	for i := 1; i < len(times); i++ {
		gap := times[i] - times[i-1]
		if gap <= 0 || gap > threshold {
			continue
		}
		lo := times[i-1]
		if lo < rangeStart {
			lo = rangeStart
		}
		hi := times[i]
		if hi > rangeEnd {
			hi = rangeEnd
		}
		if hi > lo {
			total += hi - lo
		}
	}
	return total, nil
}

func totalDuration(sorted []float64, thresholdSeconds float64) float64 {
	var total float64
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i] - sorted[i-1]
		if gap > 0 && gap <= thresholdSeconds {
			total += gap
		}
	}
	return total
}

func sortedTimes(hbs []Heartbeat) []float64 {
	times := make([]float64, len(hbs))
	for i := range hbs {
		times[i] = hbs[i].Time
	}
	sort.Float64s(times)
	return times
}
