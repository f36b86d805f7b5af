package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testGap = 120 * time.Second

func beatsAt(times ...float64) []Heartbeat {
	hbs := make([]Heartbeat, 0, len(times))
	for _, t := range times {
		hbs = append(hbs, Heartbeat{UserID: "user-1", Time: t})
	}
	return hbs
}

func TestTotalDurationGapCapping(t *testing.T) {
	// Gaps: 30 (counted), 60 (counted), 310 (idle, dropped).
	total, err := TotalDuration(beatsAt(0, 30, 90, 400), testGap)
	require.NoError(t, err)
	require.Equal(t, 90.0, total)
}

func TestTotalDurationEmptyAndSingle(t *testing.T) {
	total, err := TotalDuration(nil, testGap)
	require.NoError(t, err)
	require.Zero(t, total)

	total, err = TotalDuration(beatsAt(1000), testGap)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestTotalDurationIgnoresDuplicatesAndOrder(t *testing.T) {
	total, err := TotalDuration(beatsAt(90, 0, 30, 30, 400), testGap)
	require.NoError(t, err)
	require.Equal(t, 90.0, total)
}

func TestTotalDurationRejectsInvalidTimestamps(t *testing.T) {
	_, err := TotalDuration(beatsAt(0, -5), testGap)
	require.ErrorIs(t, err, ErrInvalidTimestamp)

	_, err = TotalDuration(beatsAt(math.NaN()), testGap)
	require.ErrorIs(t, err, ErrInvalidTimestamp)

	_, err = TotalDuration(beatsAt(math.Inf(1)), testGap)
	require.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestTotalDurationMonotonicity(t *testing.T) {
	base := beatsAt(0, 30, 90, 400)
	before, err := TotalDuration(base, testGap)
	require.NoError(t, err)

	grown := append(append([]Heartbeat{}, base...), beatsAt(430, 500)...)
	after, err := TotalDuration(grown, testGap)
	require.NoError(t, err)
	require.GreaterOrEqual(t, after, before)
}

func TestGroupedDurationIsolatesGroups(t *testing.T) {
	hbs := []Heartbeat{
		{Time: 0, Project: "harbor"},
		{Time: 30, Project: "harbor"},
		{Time: 60, Project: "high-seas"},
		{Time: 90, Project: "high-seas"},
	}

	grouped, err := GroupedDuration(hbs, func(hb Heartbeat) string { return hb.Project }, testGap)
	require.NoError(t, err)

	// The 30s transition gaps between projects count for neither side.
	require.Equal(t, map[string]float64{"harbor": 30, "high-seas": 30}, grouped)
}

func TestGroupedDurationDiffersFromGlobal(t *testing.T) {
	hbs := []Heartbeat{
		{Time: 0, Project: "harbor"},
		{Time: 30, Project: "high-seas"},
		{Time: 60, Project: "harbor"},
	}

	global, err := TotalDuration(hbs, testGap)
	require.NoError(t, err)
	require.Equal(t, 60.0, global)

	grouped, err := GroupedDuration(hbs, func(hb Heartbeat) string { return hb.Project }, testGap)
	require.NoError(t, err)
	require.Equal(t, 60.0, grouped["harbor"])
	require.Zero(t, grouped["high-seas"])
}

func TestBoundaryDurationClipsAtWindow(t *testing.T) {
	hbs := beatsAt(0, 30, 90, 400)

	// Only the [50, 90] part of the counted 30-90 gap is inside the window.
	clipped, err := BoundaryDuration(hbs, 50, 100, testGap)
	require.NoError(t, err)
	require.Equal(t, 40.0, clipped)

	full, err := BoundaryDuration(hbs, 0, 400, testGap)
	require.NoError(t, err)
	require.Equal(t, 90.0, full)
}

func TestBoundaryDurationAdditivity(t *testing.T) {
	hbs := beatsAt(0, 25, 70, 110, 130, 420, 445)

	whole, err := BoundaryDuration(hbs, 0, 500, testGap)
	require.NoError(t, err)

	for _, split := range []float64{1, 26, 69.5, 110, 200, 421, 499} {
		left, err := BoundaryDuration(hbs, 0, split, testGap)
		require.NoError(t, err)
		right, err := BoundaryDuration(hbs, split, 500, testGap)
		require.NoError(t, err)
		require.InDelta(t, whole, left+right, 1e-9, "split at %v", split)
	}
}

func TestBoundaryDurationEmptyWindow(t *testing.T) {
	total, err := BoundaryDuration(beatsAt(0, 30), 100, 100, testGap)
	require.NoError(t, err)
	require.Zero(t, total)

	total, err = BoundaryDuration(beatsAt(0, 30), 200, 100, testGap)
	require.NoError(t, err)
	require.Zero(t, total)
}
