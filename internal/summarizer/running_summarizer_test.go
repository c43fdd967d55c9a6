package summarizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// outcomeFn decides, per call index, how a scriptedGenerator's submitted
// proposal should be adjudicated: "ack", "nack", "timeout", or "fail".
type outcomeFn func(call int) string

// scriptedGenerator is a SummaryGenerator that submits a summarize op
// directly into a SummaryCollection and then, on its own goroutine, feeds
// back the ack/nack/timeout/failure the test script dictates for that call.
type scriptedGenerator struct {
	collector *SummaryCollection
	clientID  string
	outcome   outcomeFn

	mu    sync.Mutex
	seq   int64
	calls int
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *scriptedGenerator) GenerateSummary(
	_ context.Context, _ GenerateSummaryOptions,
) (GenerateSummaryData, error) {

	g.mu.Lock()
	g.seq++
	clientSeq := g.seq
	call := g.calls
	g.calls++
	g.mu.Unlock()

	behavior := g.outcome(call)
	if behavior == "fail" {
		return GenerateSummaryData{}, errors.New("generator failure")
	}

	summarySeq := clientSeq * 100

	go func() {
		g.collector.HandleOp(SequencedOp{
			Type:                 OpSummarize,
			ClientID:             g.clientID,
			ClientSequenceNumber: clientSeq,
			SequenceNumber:       summarySeq,
		})

		if behavior == "timeout" {
			return
		}

		opType := OpSummaryAck
		if behavior == "nack" {
			opType = OpSummaryNack
		}
		g.collector.HandleOp(SequencedOp{
			Type: opType,
			SummaryProposal: &SummaryProposalRef{
				SummarySequenceNumber: summarySeq,
			},
		})
	}()

	return GenerateSummaryData{
		Submitted:            true,
		ClientSequenceNumber: clientSeq,
	}, nil
}

func (g *scriptedGenerator) RefreshLatestSummaryAck(
	context.Context, string, string, SummaryLogger,
) error {
	return nil
}

func alwaysOutcome(behavior string) outcomeFn {
	return func(int) string { return behavior }
}

func fastConfig() SummaryConfiguration {
	return SummaryConfiguration{
		IdleTime:       time.Hour,
		MaxTime:        time.Hour,
		MaxOps:         1000,
		MaxAckWaitTime: 100 * time.Millisecond,
	}
}

// TestRunningSummarizerHappyPath verifies a single triggered attempt that
// is acked advances the last-acked baseline and never stops the
// summarizer.
func TestRunningSummarizerHappyPath(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()
	gen := &scriptedGenerator{
		collector: collector, clientID: "me", outcome: alwaysOutcome("ack"),
	}

	rs := NewRunningSummarizer(
		"me", gen, collector, fastConfig(),
		SummaryAttempt{SummaryTime: time.Now()}, nil,
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})

	require.Eventually(t, func() bool {
		return gen.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case reason := <-rs.stopCh:
		t.Fatalf("summarizer stopped unexpectedly: %v", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRunningSummarizerNackThenRetrySucceeds verifies a nacked first
// attempt escalates to retry1 and, once that succeeds, never reaches the
// third attempt.
func TestRunningSummarizerNackThenRetrySucceeds(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()
	gen := &scriptedGenerator{
		collector: collector, clientID: "me",
		outcome: func(call int) string {
			if call == 0 {
				return "nack"
			}
			return "ack"
		},
	}

	rs := NewRunningSummarizer(
		"me", gen, collector, fastConfig(),
		SummaryAttempt{SummaryTime: time.Now()}, nil,
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})

	require.Eventually(t, func() bool {
		return gen.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	select {
	case reason := <-rs.stopCh:
		t.Fatalf("summarizer stopped unexpectedly: %v", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRunningSummarizerExhaustsRetriesAndStops verifies three consecutive
// ack-wait timeouts exhaust the escalation ladder and stop the summarizer
// with StopFailToSummarize.
func TestRunningSummarizerExhaustsRetriesAndStops(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()
	gen := &scriptedGenerator{
		collector: collector, clientID: "me",
		outcome: alwaysOutcome("timeout"),
	}

	rs := NewRunningSummarizer(
		"me", gen, collector, fastConfig(),
		SummaryAttempt{SummaryTime: time.Now()}, nil,
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reason, err := rs.WaitStop(ctx)
	require.NoError(t, err)
	require.Equal(t, StopFailToSummarize, reason)
	require.Equal(t, maxAttempts, gen.callCount())
}

// TestRunningSummarizerGenerateFailureCountsAsAnAttempt verifies a
// generator error consumes one rung of the escalation ladder just like an
// ack-wait timeout or nack.
func TestRunningSummarizerGenerateFailureCountsAsAnAttempt(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()
	gen := &scriptedGenerator{
		collector: collector, clientID: "me",
		outcome: func(call int) string {
			if call < 2 {
				return "fail"
			}
			return "ack"
		},
	}

	rs := NewRunningSummarizer(
		"me", gen, collector, fastConfig(),
		SummaryAttempt{SummaryTime: time.Now()}, nil,
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})

	require.Eventually(t, func() bool {
		return gen.callCount() == 3
	}, time.Second, 5*time.Millisecond)
}

// TestRunningSummarizerCoalescesConcurrentTriggers verifies that a trigger
// arriving while an attempt is in flight does not start a second
// concurrent attempt, instead coalescing into one retrigger afterward.
func TestRunningSummarizerCoalescesConcurrentTriggers(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()

	var inFlight int32
	var maxConcurrent int32

	gen := &scriptedGenerator{
		collector: collector, clientID: "me",
	}
	gen.outcome = func(call int) string {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ack"
	}

	config := fastConfig()
	config.MaxOps = 0

	rs := NewRunningSummarizer(
		"me", gen, collector, config,
		SummaryAttempt{SummaryTime: time.Now()}, nil,
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})
	time.Sleep(5 * time.Millisecond)

	// An op observed while the attempt is in flight pushes the heuristic
	// past MaxOps; the Save trigger coalesces rather than racing the
	// in-flight attempt, and the reconsideration the finalizer runs once
	// it completes is what actually fires the second attempt.
	rs.HandleOp(SequencedOp{Type: OpClientJoin, SequenceNumber: 1})
	rs.trigger(TriggerReason{Kind: TriggerSave})

	require.Eventually(t, func() bool {
		return gen.callCount() >= 2
	}, time.Second, 5*time.Millisecond)

	require.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1),
		"coalesced triggers must never run concurrently with an "+
			"in-flight attempt")
}

// TestRunningSummarizerDisposeAwaitsInFlightAttempt verifies Dispose blocks
// until an in-flight attempt resolves before returning.
func TestRunningSummarizerDisposeAwaitsInFlightAttempt(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()
	release := make(chan struct{})

	gen := &scriptedGenerator{collector: collector, clientID: "me"}
	gen.outcome = func(int) string {
		<-release
		return "ack"
	}

	rs := NewRunningSummarizer(
		"me", gen, collector, fastConfig(),
		SummaryAttempt{SummaryTime: time.Now()}, nil,
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})
	time.Sleep(10 * time.Millisecond)

	disposeDone := make(chan struct{})
	go func() {
		_ = rs.Dispose(context.Background())
		close(disposeDone)
	}()

	select {
	case <-disposeDone:
		t.Fatal("Dispose returned before the in-flight attempt finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)

	select {
	case <-disposeDone:
	case <-time.After(time.Second):
		t.Fatal("Dispose never returned after the attempt finished")
	}
}

// TestRunningSummarizerWarnFnFiresForSlowAttempt verifies warnFn is invoked
// once an attempt runs past warnAfter without resolving.
func TestRunningSummarizerWarnFnFiresForSlowAttempt(t *testing.T) {
	t.Parallel()

	collector := NewSummaryCollection()
	release := make(chan struct{})

	gen := &scriptedGenerator{collector: collector, clientID: "me"}
	gen.outcome = func(int) string {
		<-release
		return "ack"
	}

	warned := make(chan TriggerReason, 1)
	config := fastConfig()
	config.MaxAckWaitTime = 150 * time.Millisecond

	rs := NewRunningSummarizer(
		"me", gen, collector, config,
		SummaryAttempt{SummaryTime: time.Now()},
		func(reason TriggerReason, _ time.Duration) {
			warned <- reason
		},
	)

	rs.trigger(TriggerReason{Kind: TriggerMaxOps})

	select {
	case reason := <-warned:
		require.Equal(t, TriggerMaxOps, reason.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("warnFn never fired for a slow attempt")
	}

	close(release)
}
