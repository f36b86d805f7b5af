// Package domain defines the heartbeat model and the pure aggregation
// algorithms built on top of it.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SourceType tags where a heartbeat came from.
type SourceType string

const (
	SourceDirectEntry  SourceType = "direct_entry"
	SourceTestEntry    SourceType = "test_entry"
	SourceWakapiImport SourceType = "wakapi_import"
)

// Heartbeat is a single timestamped activity ping emitted by an editor
// plugin. Immutable once written; soft-deleted via DeletedAt.
type Heartbeat struct {
	ID        string
	UserID    string
	Time      float64 // unix seconds, fractional; the authoritative clock
	CreatedAt time.Time

	Entity          string
	Type            string
	Category        string
	Project         string
	Branch          string
	Language        string
	Editor          string
	OperatingSystem string
	Machine         string
	UserAgent       string
	IsWrite         bool
	SourceType      SourceType

	// Resolved dimension IDs; zero when dimension resolution is disabled
	// or the raw value was blank.
	LanguageID        string
	CategoryID        string
	EditorID          string
	OperatingSystemID string
	UserAgentID       string
	ProjectID         string
	BranchID          string
	MachineID         string

	FieldsHash string
	DeletedAt  *time.Time
}

// ErrInvalidTimestamp is returned when a heartbeat timestamp is negative,
// NaN, or infinite.
var ErrInvalidTimestamp = errors.New("invalid heartbeat timestamp")

// millisecondEpochCutoff separates second-precision unix timestamps from
// millisecond ones. Anything above it cannot be a plausible seconds value
// (it would be past the year 33658).
const millisecondEpochCutoff = 1e12

// NormalizeTimestamp interprets a raw client timestamp as unix seconds.
// WakaTime-style clients disagree on units: some send seconds, some
// milliseconds. This correction is load-bearing for every consumer, so it
// lives here and nowhere else.
func NormalizeTimestamp(raw float64) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, raw)
	}
	if raw > millisecondEpochCutoff {
		return raw / 1000, nil
	}
	return raw, nil
}

// Normalize validates and canonicalizes the heartbeat in place.
func (h *Heartbeat) Normalize() error {
	ts, err := NormalizeTimestamp(h.Time)
	if err != nil {
		return err
	}
	h.Time = ts
	if h.Category == "" {
		h.Category = "coding"
	}
	if h.SourceType == "" {
		h.SourceType = SourceDirectEntry
	}
	return nil
}

// ComputeFieldsHash derives the dedup key used for idempotent ingestion.
// Two heartbeats with the same identity attributes hash identically, so
// retried writes and re-imports collapse onto one row.
func (h *Heartbeat) ComputeFieldsHash() string {
	parts := []string{
		h.UserID,
		strconv.FormatFloat(h.Time, 'f', -1, 64),
		h.Entity,
		h.Type,
		h.Category,
		h.Project,
		h.Branch,
		h.Language,
		h.Editor,
		h.OperatingSystem,
		h.Machine,
		h.UserAgent,
		strconv.FormatBool(h.IsWrite),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Span is a derived contiguous interval of activity. Start and End are unix
// seconds; a span built from a single heartbeat has Start == End.
type Span struct {
	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`
}

// Duration returns the span length in seconds.
func (s Span) Duration() float64 {
	return s.End - s.Start
}

func validateTimes(hbs []Heartbeat) error {
	for i := range hbs {
		t := hbs[i].Time
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return fmt.Errorf("%w: heartbeat %q has time %v", ErrInvalidTimestamp, hbs[i].ID, t)
		}
	}
	return nil
}
