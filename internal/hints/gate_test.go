package hints

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviationGateFirstCandidateAlwaysReports(t *testing.T) {
	gate := newDeviationGate(DefaultAllowedActualDeviation)

	assert.False(t, gate.everCommitted())
	assert.True(t, gate.shouldReport(50*time.Millisecond))
	assert.True(t, gate.shouldReport(time.Nanosecond))
}

func TestDeviationGateSuppression(t *testing.T) {
	tcases := []struct {
		testCase     string
		baseline     time.Duration
		candidate    time.Duration
		shouldReport bool
	}{
		{
			testCase:     "Test Case 1 - Small upward drift is suppressed",
			baseline:     50 * time.Millisecond,
			candidate:    52 * time.Millisecond,
			shouldReport: false,
		},
		{
			testCase:     "Test Case 2 - Deviation at exactly the threshold is suppressed",
			baseline:     50 * time.Millisecond,
			candidate:    55 * time.Millisecond,
			shouldReport: false,
		},
		{
			testCase:     "Test Case 3 - Deviation just past the threshold reports",
			baseline:     50 * time.Millisecond,
			candidate:    56 * time.Millisecond,
			shouldReport: true,
		},
		{
			testCase:     "Test Case 4 - Downward drift past the threshold reports",
			baseline:     50 * time.Millisecond,
			candidate:    44 * time.Millisecond,
			shouldReport: true,
		},
		{
			testCase:     "Test Case 5 - Downward drift at the threshold is suppressed",
			baseline:     50 * time.Millisecond,
			candidate:    45 * time.Millisecond,
			shouldReport: false,
		},
		{
			testCase:     "Test Case 6 - Identical candidate is suppressed",
			baseline:     50 * time.Millisecond,
			candidate:    50 * time.Millisecond,
			shouldReport: false,
		},
	}

	for _, tc := range tcases {
		t.Log(tc.testCase)

		gate := newDeviationGate(DefaultAllowedActualDeviation)
		gate.commit(tc.baseline)

		assert.Equal(t, tc.shouldReport, gate.shouldReport(tc.candidate))
	}
}

func TestDeviationGateBaselineMovesOnlyOnCommit(t *testing.T) {
	gate := newDeviationGate(DefaultAllowedActualDeviation)
	gate.commit(50 * time.Millisecond)

	// 54ms is within 10% of 50ms, so it is suppressed and must not
	// become the new reference point.
	assert.False(t, gate.shouldReport(54*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, gate.last())

	// 58ms is only 7.4% away from the suppressed 54ms but 16% away from
	// the committed 50ms baseline.
	assert.True(t, gate.shouldReport(58*time.Millisecond))

	gate.commit(58 * time.Millisecond)
	assert.Equal(t, 58*time.Millisecond, gate.last())
	assert.False(t, gate.shouldReport(54*time.Millisecond))
}

func TestStalenessTracker(t *testing.T) {
	start := time.Unix(1000, 0)
	tracker := newStalenessTracker(DefaultStaleTimeout)
	tracker.touch(start)

	assert.False(t, tracker.isStale(start))
	assert.False(t, tracker.isStale(start.Add(DefaultStaleTimeout)))
	assert.True(t, tracker.isStale(start.Add(DefaultStaleTimeout+time.Nanosecond)))

	tracker.touch(start.Add(100 * time.Millisecond))
	assert.False(t, tracker.isStale(start.Add(150*time.Millisecond)))
}
