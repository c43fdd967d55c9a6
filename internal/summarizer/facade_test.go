package summarizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chanStream is an OrderingStream backed directly by a channel, for tests
// that need to push ops without the ordering package's fakes (importing
// that package here would cycle back into summarizer).
type chanStream struct {
	ch chan OpOrError
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan OpOrError, 64)}
}

func (s *chanStream) Ops() <-chan OpOrError { return s.ch }

// fakeDeltaManager is a minimal DeltaManager for facade tests.
type fakeDeltaManager struct {
	initial int64
}

func (d *fakeDeltaManager) InitialSequenceNumber() int64 { return d.initial }
func (d *fakeDeltaManager) LastSequenceNumber() int64    { return d.initial }
func (d *fakeDeltaManager) Active() bool                 { return true }

func newTestSummarizer(gen SummaryGenerator, stream *chanStream) *Summarizer {
	runtime := Runtime{
		ClientID: "me",
		ComputedSummarizerClientID: func() (string, bool) {
			return "", false
		},
		DeltaManager: &fakeDeltaManager{},
		Stream:       stream,
		Generator:    gen,
		CloseFn:      func() {},
	}
	return NewSummarizer(runtime, fastConfig())
}

// TestSummarizerRunWaitsForPreconditions verifies Run blocks until both
// connected and elected are set, then proceeds.
func TestSummarizerRunWaitsForPreconditions(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	gen := &scriptedGenerator{
		collector: NewSummaryCollection(), clientID: "me",
		outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneCh := make(chan StopReason, 1)
	go func() {
		reason, err := s.Run(ctx, "me")
		require.NoError(t, err)
		doneCh <- reason
	}()

	select {
	case <-doneCh:
		t.Fatal("Run returned before preconditions were satisfied")
	case <-time.After(30 * time.Millisecond):
	}

	s.SetConnected(true)
	s.SetElected(true)

	close(stream.ch)

	select {
	case reason := <-doneCh:
		require.Equal(t, StopParentNotConnected, reason)
	case <-time.After(time.Second):
		t.Fatal("Run never returned after preconditions were satisfied")
	}
}

// TestSummarizerRunStopsOnConnectionLoss verifies Run returns
// StopParentNotConnected when SetConnected(false) is called after the
// coordinator has started.
func TestSummarizerRunStopsOnConnectionLoss(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	gen := &scriptedGenerator{
		collector: NewSummaryCollection(), clientID: "me",
		outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)

	s.SetConnected(true)
	s.SetElected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneCh := make(chan StopReason, 1)
	go func() {
		reason, _ := s.Run(ctx, "me")
		doneCh <- reason
	}()

	time.Sleep(20 * time.Millisecond)
	s.SetConnected(false)

	select {
	case reason := <-doneCh:
		require.Equal(t, StopParentNotConnected, reason)
	case <-time.After(time.Second):
		t.Fatal("Run never stopped after connection loss")
	}
}

// TestSummarizerRunSummarizesOnSaveOp verifies a save op observed on the
// stream triggers an immediate summarize attempt.
func TestSummarizerRunSummarizesOnSaveOp(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	collector := NewSummaryCollection()
	gen := &scriptedGenerator{
		collector: collector, clientID: "me", outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)
	s.collector = collector

	s.SetConnected(true)
	s.SetElected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, "me") //nolint:errcheck

	stream.ch <- OpOrError{Op: SequencedOp{
		Type: OpSave, ClientID: "other", Contents: "wrote section 1",
		SequenceNumber: 1,
	}}

	require.Eventually(t, func() bool {
		return gen.callCount() >= 1
	}, time.Second, 5*time.Millisecond)
}

// TestSummarizerRunRefusesWhenDeltaManagerInactive verifies precondition 2:
// Run returns StopParentShouldNotSummarize without starting a
// RunningSummarizer when the delta manager reports inactive.
func TestSummarizerRunRefusesWhenDeltaManagerInactive(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	gen := &scriptedGenerator{
		collector: NewSummaryCollection(), clientID: "me",
		outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)
	s.runtime.DeltaManager = inactiveDeltaManager{}

	s.SetConnected(true)
	s.SetElected(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reason, err := s.Run(ctx, "me")
	require.NoError(t, err)
	require.Equal(t, StopParentShouldNotSummarize, reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Nil(t, s.running)
}

// inactiveDeltaManager is a DeltaManager whose Active() always reports
// false, for exercising precondition 2's gating.
type inactiveDeltaManager struct{}

func (inactiveDeltaManager) InitialSequenceNumber() int64 { return 0 }
func (inactiveDeltaManager) LastSequenceNumber() int64    { return 0 }
func (inactiveDeltaManager) Active() bool                 { return false }

// TestSummarizerRunRefusesWhenNotComputedSummarizer verifies precondition 3:
// Run returns StopParentNoLongerSummarizer when the computed summarizer
// client id names neither onBehalfOf nor this process.
func TestSummarizerRunRefusesWhenNotComputedSummarizer(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	gen := &scriptedGenerator{
		collector: NewSummaryCollection(), clientID: "me",
		outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)
	s.runtime.ComputedSummarizerClientID = func() (string, bool) {
		return "someone-else", true
	}

	s.SetConnected(true)
	s.SetElected(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reason, err := s.Run(ctx, "me")
	require.NoError(t, err)
	require.Equal(t, StopParentNoLongerSummarizer, reason)
}

// TestSummarizerSetSummarizerResolvesSelf verifies SetSummarizer's future
// resolves to the facade itself when no handoff deferred was supplied.
func TestSummarizerSetSummarizerResolvesSelf(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	gen := &scriptedGenerator{
		collector: NewSummaryCollection(), clientID: "me",
		outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := s.SetSummarizer().Await(ctx)
	resolved, err := result.Unpack()
	require.NoError(t, err)
	require.Same(t, s, resolved)
}

// TestSummarizerStopDisposesRunningSummarizer verifies Stop tears down the
// running summarizer and is idempotent.
func TestSummarizerStopDisposesRunningSummarizer(t *testing.T) {
	t.Parallel()

	stream := newChanStream()
	collector := NewSummaryCollection()
	gen := &scriptedGenerator{
		collector: collector, clientID: "me", outcome: alwaysOutcome("ack"),
	}
	s := newTestSummarizer(gen, stream)
	s.collector = collector

	s.SetConnected(true)
	s.SetElected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, "me") //nolint:errcheck

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.running != nil
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	require.NoError(t, s.Stop(stopCtx, StopDisposed))
	require.NoError(t, s.Stop(stopCtx, StopDisposed))
}
