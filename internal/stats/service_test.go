package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/codetime/internal/dimension"
	"example.com/codetime/internal/domain"
)

type stubSource struct {
	hbs   []domain.Heartbeat
	err   error
	calls int
	last  Filter
}

func (s *stubSource) ListRange(_ context.Context, f Filter) ([]domain.Heartbeat, error) {
	s.calls++
	s.last = f
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Heartbeat
	for _, hb := range s.hbs {
		if f.From > 0 && hb.Time < f.From {
			continue
		}
		if f.To > 0 && hb.Time > f.To {
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

type recordingMetrics struct {
	ops  []string
	hits []bool
}

func (m *recordingMetrics) RecordAggregation(op string, hit bool) {
	m.ops = append(m.ops, op)
	m.hits = append(m.hits, hit)
}

func testService(source HeartbeatSource, ttl time.Duration, opts ...ServiceOption) *Service {
	return NewService(source, Config{
		GapThreshold:     120 * time.Second,
		StreakMinSeconds: 60,
		CacheTTL:         ttl,
	}, opts...)
}

func heartbeatsAt(times ...float64) []domain.Heartbeat {
	hbs := make([]domain.Heartbeat, 0, len(times))
	for _, t := range times {
		hbs = append(hbs, domain.Heartbeat{UserID: "user-1", Time: t})
	}
	return hbs
}

func TestTotalDurationComposesOverSource(t *testing.T) {
	source := &stubSource{hbs: heartbeatsAt(1000, 1030, 1090, 1400)}
	service := testService(source, 0)

	total, err := service.TotalDuration(context.Background(), Filter{UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, 90.0, total)
}

func TestEmptySetYieldsZeroValues(t *testing.T) {
	source := &stubSource{}
	service := testService(source, 0)
	ctx := context.Background()
	f := Filter{UserID: "nobody"}

	total, err := service.TotalDuration(ctx, f)
	require.NoError(t, err)
	require.Zero(t, total)

	spans, err := service.Spans(ctx, f)
	require.NoError(t, err)
	require.Empty(t, spans)

	days, err := service.DailyActivity(ctx, f, time.UTC)
	require.NoError(t, err)
	require.Empty(t, days)

	streak, err := service.Streak(ctx, "nobody", time.UTC, time.Now())
	require.NoError(t, err)
	require.Zero(t, streak)
}

func TestSourceErrorsSurfaceAsRetryable(t *testing.T) {
	cause := errors.New("store unreachable")
	service := testService(&stubSource{err: cause}, 0)

	_, err := service.TotalDuration(context.Background(), Filter{UserID: "user-1"})
	require.ErrorIs(t, err, cause)
}

func TestGroupedDurationByProject(t *testing.T) {
	source := &stubSource{hbs: []domain.Heartbeat{
		{UserID: "user-1", Time: 0, Project: "harbor"},
		{UserID: "user-1", Time: 30, Project: "harbor"},
		{UserID: "user-1", Time: 1000, Project: "high-seas"},
		{UserID: "user-1", Time: 1045, Project: "high-seas"},
	}}
	service := testService(source, 0)

	grouped, err := service.GroupedDuration(context.Background(), Filter{UserID: "user-1"}, dimension.KindProject)
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"harbor": 30, "high-seas": 45}, grouped)
}

func TestGroupedDurationUnknownKind(t *testing.T) {
	service := testService(&stubSource{}, 0)

	_, err := service.GroupedDuration(context.Background(), Filter{}, dimension.Kind("mood"))
	require.ErrorIs(t, err, dimension.ErrUnknownKind)
}

func TestBoundaryDurationWidensFetchThenClips(t *testing.T) {
	// Heartbeats outside the window are needed to see the straddling gap.
	source := &stubSource{hbs: heartbeatsAt(960, 1050)}
	service := testService(source, 0)

	total, err := service.BoundaryDuration(context.Background(), Filter{UserID: "user-1"}, 1000, 2000)
	require.NoError(t, err)
	require.Equal(t, 50.0, total)
	require.Equal(t, 1000-120.0, source.last.From)
	require.Equal(t, 2000+120.0, source.last.To)
}

func TestBoundaryDurationAdditiveAcrossSubWindows(t *testing.T) {
	source := &stubSource{hbs: heartbeatsAt(0, 50, 100, 150, 500, 540)}
	service := testService(source, 0)
	ctx := context.Background()
	f := Filter{UserID: "user-1"}

	whole, err := service.BoundaryDuration(ctx, f, 0, 600)
	require.NoError(t, err)
	left, err := service.BoundaryDuration(ctx, f, 0, 120)
	require.NoError(t, err)
	right, err := service.BoundaryDuration(ctx, f, 120, 600)
	require.NoError(t, err)
	require.InDelta(t, whole, left+right, 1e-9)
}

func TestCacheServesRepeatCallsWithinTTL(t *testing.T) {
	source := &stubSource{hbs: heartbeatsAt(1000, 1030)}
	metrics := &recordingMetrics{}
	service := testService(source, time.Minute, WithMetrics(metrics))
	ctx := context.Background()
	f := Filter{UserID: "user-1"}

	first, err := service.TotalDuration(ctx, f)
	require.NoError(t, err)
	second, err := service.TotalDuration(ctx, f)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, source.calls)
	require.Equal(t, []bool{false, true}, metrics.hits)
}

func TestCacheKeyedByExactFilter(t *testing.T) {
	source := &stubSource{hbs: heartbeatsAt(1000, 1030)}
	service := testService(source, time.Minute)
	ctx := context.Background()

	_, err := service.TotalDuration(ctx, Filter{UserID: "user-1"})
	require.NoError(t, err)
	_, err = service.TotalDuration(ctx, Filter{UserID: "user-1", Project: "harbor"})
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
}

func TestInvalidateUserDropsCachedResults(t *testing.T) {
	source := &stubSource{hbs: heartbeatsAt(1000, 1030)}
	service := testService(source, time.Minute)
	ctx := context.Background()
	f := Filter{UserID: "user-1"}

	_, err := service.TotalDuration(ctx, f)
	require.NoError(t, err)

	service.InvalidateUser("user-1")

	_, err = service.TotalDuration(ctx, f)
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
}

func TestStreakIgnoresDimensionFilters(t *testing.T) {
	now := time.Now().UTC()
	day := now.Add(-26 * time.Hour)
	source := &stubSource{hbs: heartbeatsAt(
		float64(day.Unix()), float64(day.Unix())+60, float64(day.Unix())+120,
	)}
	service := testService(source, 0)

	_, err := service.Streak(context.Background(), "user-1", time.UTC, now)
	require.NoError(t, err)
	require.Equal(t, "user-1", source.last.UserID)
	require.Empty(t, source.last.Project)
	require.Empty(t, source.last.Language)
}
