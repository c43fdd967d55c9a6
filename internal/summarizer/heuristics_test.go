package summarizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() SummaryConfiguration {
	return SummaryConfiguration{
		IdleTime:       50 * time.Millisecond,
		MaxTime:        time.Hour,
		MaxOps:         1000,
		MaxAckWaitTime: time.Second,
	}
}

// withFakeNow overrides nowFn for the duration of the test and restores it
// on cleanup.
func withFakeNow(t *testing.T, now *time.Time) {
	t.Helper()

	orig := nowFn
	nowFn = func() time.Time { return *now }
	t.Cleanup(func() { nowFn = orig })
}

// TestHeuristicsMaxTimeTakesPriority verifies maxTime is checked before
// maxOps when both thresholds are exceeded simultaneously.
func TestHeuristicsMaxTimeTakesPriority(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	withFakeNow(t, &now)

	config := testConfig()
	config.MaxTime = time.Minute
	config.MaxOps = 5

	var triggered []TriggerReason
	h := NewHeuristics(config, func(r TriggerReason) {
		triggered = append(triggered, r)
	})
	h.Initialize(SummaryAttempt{SummaryTime: now})

	now = now.Add(2 * time.Minute)
	h.SetLastOpSequenceNumber(100)

	h.Run()

	require.Len(t, triggered, 1)
	require.Equal(t, TriggerMaxTime, triggered[0].Kind)
}

// TestHeuristicsMaxOpsWhenTimeOK verifies maxOps fires when the op-count
// delta exceeds the threshold but elapsed time is within budget.
func TestHeuristicsMaxOpsWhenTimeOK(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	withFakeNow(t, &now)

	config := testConfig()
	config.MaxTime = time.Hour
	config.MaxOps = 5

	var triggered []TriggerReason
	h := NewHeuristics(config, func(r TriggerReason) {
		triggered = append(triggered, r)
	})
	h.Initialize(SummaryAttempt{SummaryTime: now, RefSequenceNumber: 0})

	h.SetLastOpSequenceNumber(10)
	h.Run()

	require.Len(t, triggered, 1)
	require.Equal(t, TriggerMaxOps, triggered[0].Kind)
}

// TestHeuristicsArmsIdleTimer verifies that when neither threshold is
// exceeded, Run arms the idle timer instead of triggering immediately.
func TestHeuristicsArmsIdleTimer(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.IdleTime = 10 * time.Millisecond

	fired := make(chan TriggerReason, 1)
	h := NewHeuristics(config, func(r TriggerReason) {
		fired <- r
	})
	h.Initialize(SummaryAttempt{SummaryTime: time.Now()})
	h.SetLastOpSequenceNumber(1)

	h.Run()

	select {
	case r := <-fired:
		require.Equal(t, TriggerIdle, r.Kind)
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
}

// TestHeuristicsStopIdleTimerSuppressesFiring verifies StopIdleTimer
// prevents a previously armed idle timer from firing.
func TestHeuristicsStopIdleTimerSuppressesFiring(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.IdleTime = 10 * time.Millisecond

	fired := make(chan TriggerReason, 1)
	h := NewHeuristics(config, func(r TriggerReason) {
		fired <- r
	})
	h.Initialize(SummaryAttempt{SummaryTime: time.Now()})
	h.SetLastOpSequenceNumber(1)

	h.Run()
	h.StopIdleTimer()

	select {
	case r := <-fired:
		t.Fatalf("idle timer fired after StopIdleTimer: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHeuristicsAckLastSentAdvancesBaseline verifies AckLastSent copies the
// last-attempted record into last-acked, resetting the deltas Run computes.
func TestHeuristicsAckLastSentAdvancesBaseline(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	withFakeNow(t, &now)

	config := testConfig()
	config.MaxOps = 5

	var triggered []TriggerReason
	h := NewHeuristics(config, func(r TriggerReason) {
		triggered = append(triggered, r)
	})
	h.Initialize(SummaryAttempt{SummaryTime: now})

	h.SetLastOpSequenceNumber(10)
	seq := int64(10)
	h.RecordAttempt(&seq)
	h.AckLastSent()

	require.Equal(t, int64(10), h.LastAcked().RefSequenceNumber)

	h.SetLastOpSequenceNumber(12)
	h.Run()

	require.Empty(t, triggered, "delta of 2 ops should not exceed MaxOps of 5")
}
