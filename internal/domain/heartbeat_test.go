package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTimestampPassesThroughSeconds(t *testing.T) {
	ts, err := NormalizeTimestamp(1740000000.25)
	require.NoError(t, err)
	require.Equal(t, 1740000000.25, ts)
}

func TestNormalizeTimestampConvertsMilliseconds(t *testing.T) {
	ts, err := NormalizeTimestamp(1740000000250)
	require.NoError(t, err)
	require.Equal(t, 1740000000.25, ts)
}

func TestNormalizeTimestampRejectsGarbage(t *testing.T) {
	for _, raw := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := NormalizeTimestamp(raw)
		require.ErrorIs(t, err, ErrInvalidTimestamp)
	}
}

func TestHeartbeatNormalizeDefaults(t *testing.T) {
	hb := Heartbeat{UserID: "user-1", Time: 1740000000250}
	require.NoError(t, hb.Normalize())
	require.Equal(t, 1740000000.25, hb.Time)
	require.Equal(t, "coding", hb.Category)
	require.Equal(t, SourceDirectEntry, hb.SourceType)
}

func TestComputeFieldsHashStableAcrossRetries(t *testing.T) {
	a := Heartbeat{UserID: "user-1", Time: 1740000000, Entity: "main.go", Language: "Go", Project: "harbor"}
	b := a
	require.Equal(t, a.ComputeFieldsHash(), b.ComputeFieldsHash())

	b.Project = "high-seas"
	require.NotEqual(t, a.ComputeFieldsHash(), b.ComputeFieldsHash())

	// IDs and ingestion wall-clock are not identity attributes.
	c := a
	c.ID = "some-uuid"
	require.Equal(t, a.ComputeFieldsHash(), c.ComputeFieldsHash())
}
