package iperf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectReportPrefersCompletedTest(t *testing.T) {
	t.Parallel()

	// Two concatenated objects, as iperf3 -s -J emits across connections:
	// the first aborted with an empty end, the second completed.
	stream := `{"start":{},"intervals":[],"end":{}}
{"start":{},"intervals":[{"sum":{}}],"end":{"sum_sent":{"bits_per_second":1000}}}`

	report, err := SelectReport(strings.NewReader(stream))
	require.NoError(t, err)

	end, ok := report["end"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, end)
}

func TestSelectReportFallsBackToIntervals(t *testing.T) {
	t.Parallel()

	stream := `{"start":{},"end":{}}
{"start":{},"intervals":[{"sum":{"bits_per_second":500}}],"end":{}}`

	report, err := SelectReport(strings.NewReader(stream))
	require.NoError(t, err)

	iv, ok := report["intervals"].([]any)
	require.True(t, ok)
	assert.Len(t, iv, 1)
}

func TestSelectReportToleratesTruncatedTail(t *testing.T) {
	t.Parallel()

	// A killed server truncates its last write mid-object.
	stream := `{"start":{},"intervals":[],"end":{"sum":{"bits_per_second":42}}}
{"start":{"cookie":"abc`

	report, err := SelectReport(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Contains(t, report, "end")
}

func TestSelectReportEmptyStream(t *testing.T) {
	t.Parallel()

	_, err := SelectReport(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoReport)

	_, err = SelectReport(strings.NewReader("not json at all"))
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestSelectReportSingleObject(t *testing.T) {
	t.Parallel()

	report, err := SelectReport(strings.NewReader(`{"start":{},"end":{}}`))
	require.NoError(t, err)
	assert.Contains(t, report, "start")
}
