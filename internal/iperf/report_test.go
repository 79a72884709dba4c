package iperf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectTCP(t *testing.T) {
	t.Parallel()

	report := map[string]any{
		"end": map[string]any{
			"sum_sent": map[string]any{
				"bits_per_second": 9.41e8,
				"retransmits":     float64(12),
			},
		},
	}

	m := Project(report)
	require.NotNil(t, m)
	assert.Equal(t, 9.41e8, m.BitsPerSecond)
	require.NotNil(t, m.Retransmits)
	assert.Equal(t, float64(12), *m.Retransmits)
	assert.Nil(t, m.JitterMs)
	assert.Nil(t, m.LostPercent)
}

func TestProjectUDP(t *testing.T) {
	t.Parallel()

	report := map[string]any{
		"end": map[string]any{
			"sum": map[string]any{
				"bits_per_second": 1.0e9,
				"jitter_ms":       0.023,
				"lost_percent":    0.5,
			},
		},
	}

	m := Project(report)
	require.NotNil(t, m)
	assert.Equal(t, 1.0e9, m.BitsPerSecond)
	require.NotNil(t, m.JitterMs)
	assert.Equal(t, 0.023, *m.JitterMs)
	require.NotNil(t, m.LostPercent)
	assert.Equal(t, 0.5, *m.LostPercent)
}

func TestProjectNoEndSection(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Project(map[string]any{"start": map[string]any{}}))
	assert.Nil(t, Project(map[string]any{"end": map[string]any{}}))
	assert.Nil(t, Project(map[string]any{
		"end": map[string]any{"sum_sent": map[string]any{}},
	}))
}
