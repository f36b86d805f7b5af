package stats

import (
	"context"
	"fmt"
	"time"

	"example.com/codetime/internal/dimension"
	"example.com/codetime/internal/domain"
)

// HeartbeatSource is the read side of the heartbeat store. Implementations
// return non-deleted heartbeats matching the filter, ordered ascending by
// time.
type HeartbeatSource interface {
	ListRange(ctx context.Context, f Filter) ([]domain.Heartbeat, error)
}

// Metrics receives aggregation call counts. Injected rather than ambient so
// tests can observe or discard them.
type Metrics interface {
	RecordAggregation(op string, cacheHit bool)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

// RecordAggregation implements Metrics.
func (NopMetrics) RecordAggregation(string, bool) {}

// streakLookback bounds how far back the streak fetch reaches. A year of
// consecutive days is beyond any rendering we do (the UI caps at "30+").
const streakLookback = 366 * 24 * time.Hour

// Config carries the aggregation policy knobs.
type Config struct {
	GapThreshold     time.Duration
	StreakMinSeconds float64
	CacheTTL         time.Duration
}

// Service composes the duration, span, daily, and streak algorithms over a
// filtered heartbeat collection. Aggregation is read-only and lock-free;
// the only shared state is the result cache.
type Service struct {
	source  HeartbeatSource
	cfg     Config
	cache   *resultCache
	metrics Metrics
}

// ServiceOption configures optional service behaviour.
type ServiceOption func(*Service)

// WithMetrics overrides the metrics collector.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService constructs the aggregation facade.
func NewService(source HeartbeatSource, cfg Config, opts ...ServiceOption) *Service {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = domain.DefaultGapThreshold
	}
	if cfg.StreakMinSeconds <= 0 {
		cfg.StreakMinSeconds = 1
	}
	s := &Service{
		source:  source,
		cfg:     cfg,
		cache:   newResultCache(cfg.CacheTTL),
		metrics: NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GapThreshold exposes the configured threshold for callers that need to
// widen fetch windows consistently.
func (s *Service) GapThreshold() time.Duration {
	return s.cfg.GapThreshold
}

// InvalidateUser drops cached results for a user. Called by write paths
// after new heartbeats land.
func (s *Service) InvalidateUser(userID string) {
	s.cache.invalidateUser(userID)
}

// TotalDuration returns total coding seconds for the filtered collection.
// An empty collection yields zero, not an error.
func (s *Service) TotalDuration(ctx context.Context, f Filter) (float64, error) {
	key := "total|" + f.Key()
	if cached, ok := s.cache.get(key); ok {
		s.metrics.RecordAggregation("total_duration", true)
		return cached.(float64), nil
	}

	hbs, err := s.source.ListRange(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("fetch heartbeats: %w", err)
	}
	total, err := domain.TotalDuration(hbs, s.cfg.GapThreshold)
	if err != nil {
		return 0, err
	}
	s.cache.put(key, total)
	s.metrics.RecordAggregation("total_duration", false)
	return total, nil
}

// GroupedDuration breaks total duration down by one dimension, keyed by the
// raw group value.
func (s *Service) GroupedDuration(ctx context.Context, f Filter, by dimension.Kind) (map[string]float64, error) {
	keyFn, err := groupKeyFunc(by)
	if err != nil {
		return nil, err
	}

	key := "grouped|" + string(by) + "|" + f.Key()
	if cached, ok := s.cache.get(key); ok {
		s.metrics.RecordAggregation("grouped_duration", true)
		return cached.(map[string]float64), nil
	}

	hbs, err := s.source.ListRange(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("fetch heartbeats: %w", err)
	}
	grouped, err := domain.GroupedDuration(hbs, keyFn, s.cfg.GapThreshold)
	if err != nil {
		return nil, err
	}
	s.cache.put(key, grouped)
	s.metrics.RecordAggregation("grouped_duration", false)
	return grouped, nil
}

// BoundaryDuration returns coding seconds clipped exactly to [from, to].
// The fetch widens the window by one gap threshold on each side so gaps
// straddling a boundary are visible, then the domain algorithm clips.
func (s *Service) BoundaryDuration(ctx context.Context, f Filter, from, to float64) (float64, error) {
	key := fmt.Sprintf("boundary|%.6f|%.6f|%s", from, to, f.Key())
	if cached, ok := s.cache.get(key); ok {
		s.metrics.RecordAggregation("boundary_duration", true)
		return cached.(float64), nil
	}

	widened := f
	widened.From = from - s.cfg.GapThreshold.Seconds()
	if widened.From < 0 {
		widened.From = 0
	}
	widened.To = to + s.cfg.GapThreshold.Seconds()

	hbs, err := s.source.ListRange(ctx, widened)
	if err != nil {
		return 0, fmt.Errorf("fetch heartbeats: %w", err)
	}
	total, err := domain.BoundaryDuration(hbs, from, to, s.cfg.GapThreshold)
	if err != nil {
		return 0, err
	}
	s.cache.put(key, total)
	s.metrics.RecordAggregation("boundary_duration", false)
	return total, nil
}

// Spans returns the contiguous activity intervals for the filtered
// collection. An empty collection yields an empty slice.
func (s *Service) Spans(ctx context.Context, f Filter) ([]domain.Span, error) {
	key := "spans|" + f.Key()
	if cached, ok := s.cache.get(key); ok {
		s.metrics.RecordAggregation("spans", true)
		return cached.([]domain.Span), nil
	}

	hbs, err := s.source.ListRange(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("fetch heartbeats: %w", err)
	}
	spans, err := domain.Spans(hbs, s.cfg.GapThreshold)
	if err != nil {
		return nil, err
	}
	s.cache.put(key, spans)
	s.metrics.RecordAggregation("spans", false)
	return spans, nil
}

// DailyActivity buckets the filtered collection into seconds per local
// calendar day.
func (s *Service) DailyActivity(ctx context.Context, f Filter, loc *time.Location) (map[string]float64, error) {
	if loc == nil {
		loc = time.UTC
	}
	key := "daily|" + loc.String() + "|" + f.Key()
	if cached, ok := s.cache.get(key); ok {
		s.metrics.RecordAggregation("daily_activity", true)
		return cached.(map[string]float64), nil
	}

	hbs, err := s.source.ListRange(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("fetch heartbeats: %w", err)
	}
	days, err := domain.DailyActivity(hbs, loc, s.cfg.GapThreshold)
	if err != nil {
		return nil, err
	}
	s.cache.put(key, days)
	s.metrics.RecordAggregation("daily_activity", false)
	return days, nil
}

// Streak returns the user's current consecutive-day streak. Dimension
// filters never apply here: a streak is a property of the user.
func (s *Service) Streak(ctx context.Context, userID string, loc *time.Location, now time.Time) (int, error) {
	if loc == nil {
		loc = time.UTC
	}

	f := Filter{
		UserID: userID,
		From:   float64(now.Add(-streakLookback).Unix()),
		To:     float64(now.Unix()),
	}
	key := "streak|" + loc.String() + "|" + f.Key()
	if cached, ok := s.cache.get(key); ok {
		s.metrics.RecordAggregation("streak", true)
		return cached.(int), nil
	}

	hbs, err := s.source.ListRange(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("fetch heartbeats: %w", err)
	}
	streak, err := domain.Streak(hbs, loc, now, s.cfg.GapThreshold, s.cfg.StreakMinSeconds)
	if err != nil {
		return 0, err
	}
	s.cache.put(key, streak)
	s.metrics.RecordAggregation("streak", false)
	return streak, nil
}

func groupKeyFunc(by dimension.Kind) (func(domain.Heartbeat) string, error) {
	switch by {
	case dimension.KindLanguage:
		return func(h domain.Heartbeat) string { return h.Language }, nil
	case dimension.KindCategory:
		return func(h domain.Heartbeat) string { return h.Category }, nil
	case dimension.KindEditor:
		return func(h domain.Heartbeat) string { return h.Editor }, nil
	case dimension.KindOperatingSystem:
		return func(h domain.Heartbeat) string { return h.OperatingSystem }, nil
	case dimension.KindUserAgent:
		return func(h domain.Heartbeat) string { return h.UserAgent }, nil
	case dimension.KindProject:
		return func(h domain.Heartbeat) string { return h.Project }, nil
	case dimension.KindBranch:
		return func(h domain.Heartbeat) string { return h.Branch }, nil
	case dimension.KindMachine:
		return func(h domain.Heartbeat) string { return h.Machine }, nil
	}
	return nil, fmt.Errorf("%w: %q", dimension.ErrUnknownKind, by)
}
