package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpansGroupsContiguousActivity(t *testing.T) {
	spans, err := Spans(beatsAt(0, 30, 90, 400), testGap)
	require.NoError(t, err)
	require.Equal(t, []Span{{Start: 0, End: 90}, {Start: 400, End: 400}}, spans)
}

func TestSpansEmptyInput(t *testing.T) {
	spans, err := Spans(nil, testGap)
	require.NoError(t, err)
	require.Empty(t, spans)
}

func TestSpansSingleHeartbeatIsZeroWidth(t *testing.T) {
	spans, err := Spans(beatsAt(1234.5), testGap)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, spans[0].Start, spans[0].End)
	require.Zero(t, spans[0].Duration())
}

func TestSpansSortsUnorderedInput(t *testing.T) {
	spans, err := Spans(beatsAt(400, 90, 0, 30), testGap)
	require.NoError(t, err)
	require.Equal(t, []Span{{Start: 0, End: 90}, {Start: 400, End: 400}}, spans)
}

func TestSpansRejectInvalidTimestamps(t *testing.T) {
	_, err := Spans(beatsAt(10, -1), testGap)
	require.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestSpanSumEqualsTotalDuration(t *testing.T) {
	sequences := [][]Heartbeat{
		beatsAt(0, 30, 90, 400),
		beatsAt(0),
		beatsAt(5, 5, 5),
		beatsAt(0, 119, 238, 360, 10000, 10050),
		beatsAt(7.25, 30.5, 200.75, 210, 1000),
		nil,
	}

	for _, hbs := range sequences {
		spans, err := Spans(hbs, testGap)
		require.NoError(t, err)

		var spanSum float64
		for _, s := range spans {
			spanSum += s.Duration()
		}

		total, err := TotalDuration(hbs, testGap)
		require.NoError(t, err)
		require.InDelta(t, total, spanSum, 1e-9)
	}
}
