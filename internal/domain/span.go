package domain

import "time"

// Spans builds the ordered list of contiguous activity bursts represented by
// the heartbeat collection. A new span opens whenever the gap to the next
// heartbeat exceeds the threshold. Uses the same threshold as TotalDuration,
// so the summed span lengths always equal the gap-capped total.
func Spans(hbs []Heartbeat, gapThreshold time.Duration) ([]Span, error) {
	if err := validateTimes(hbs); err != nil {
		return nil, err
	}

	times := sortedTimes(hbs)
	if len(times) == 0 {
		return []Span{}, nil
	}

	threshold := gapThreshold.Seconds()
	spans := make([]Span, 0, 1)
	current := Span{Start: times[0], End: times[0]}
	for _, t := range times[1:] {
		if t-current.End <= threshold {
			current.End = t
			continue
		}
		spans = append(spans, current)
		current = Span{Start: t, End: t}
	}
	return append(spans, current), nil
}
