// Package ordering provides a consumer-side abstraction over the external
// ordering service's op stream, plus an in-memory fake used by tests and the
// CLI's local demo mode. Production transport to a real ordering service is
// out of scope (spec Non-goals); this package only models the channel
// contract the core depends on.
package ordering

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/subtrate/internal/summarizer"
)

// FakeStream is a single-process, in-memory ordering stream: submitted ops
// are assigned sequence numbers and immediately broadcast back, modeled on
// the teacher's channel-backed mailbox (internal/baselib/actor/channel_mailbox.go)
// rather than any real network transport.
type FakeStream struct {
	mu sync.Mutex

	seq int64
	out chan summarizer.OpOrError

	// taps are additional observer channels fed alongside out, used by
	// the CLI to watch the stream without stealing ops from the core's
	// own listener.
	taps []chan summarizer.OpOrError

	closeOnce sync.Once
}

// NewFakeStream returns a fake stream with a buffered output channel.
func NewFakeStream() *FakeStream {
	return &FakeStream{
		out: make(chan summarizer.OpOrError, 256),
	}
}

// Ops implements summarizer.OrderingStream.
func (f *FakeStream) Ops() <-chan summarizer.OpOrError {
	return f.out
}

// Tap returns a new channel that observes every subsequent op alongside the
// primary Ops() consumer, for an observability sidecar (e.g. the CLI)
// watching acks without competing with the core for them. Sends to a tap are
// best-effort: a full tap buffer drops the op rather than blocking Submit.
func (f *FakeStream) Tap() <-chan summarizer.OpOrError {
	ch := make(chan summarizer.OpOrError, 256)

	f.mu.Lock()
	f.taps = append(f.taps, ch)
	f.mu.Unlock()

	return ch
}

// Submit assigns the next sequence number to op and broadcasts it
// immediately. Timestamp is stamped with now if the zero value.
func (f *FakeStream) Submit(op summarizer.SequencedOp, now time.Time) summarizer.SequencedOp {
	f.mu.Lock()
	f.seq++
	op.SequenceNumber = f.seq
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}
	taps := f.taps
	f.mu.Unlock()

	oe := summarizer.OpOrError{Op: op}
	f.out <- oe

	for _, tap := range taps {
		select {
		case tap <- oe:
		default:
		}
	}

	return op
}

// SubmitAckNack broadcasts an ack or nack referencing summarySeq.
func (f *FakeStream) SubmitAckNack(
	summarySeq int64, ack bool, now time.Time,
) summarizer.SequencedOp {

	opType := summarizer.OpSummaryNack
	if ack {
		opType = summarizer.OpSummaryAck
	}

	return f.Submit(summarizer.SequencedOp{
		Type: opType,
		SummaryProposal: &summarizer.SummaryProposalRef{
			SummarySequenceNumber: summarySeq,
		},
	}, now)
}

// Close terminates the stream, causing RunningSummarizer's listener to
// observe StopParentNotConnected.
func (f *FakeStream) Close() {
	f.closeOnce.Do(func() { close(f.out) })
}

// FakeGenerator is an in-process summarizer.SummaryGenerator that submits a
// summarize op to a FakeStream and then acks it after its ackDelay (at once
// when ackDelay is 0), standing in for the
// real tree-walking/storage-upload generator the spec places out of scope.
// It exists for the CLI's local demo mode and for tests that need a
// generator without a real ordering service.
type FakeGenerator struct {
	stream   *FakeStream
	clientID string

	mu       sync.Mutex
	clientSeq int64
	ackDelay time.Duration
}

// NewFakeGenerator returns a generator that submits summarize ops as
// clientID on stream, acking each one after ackDelay (0 for synchronous).
func NewFakeGenerator(stream *FakeStream, clientID string, ackDelay time.Duration) *FakeGenerator {
	return &FakeGenerator{
		stream:   stream,
		clientID: clientID,
		ackDelay: ackDelay,
	}
}

// GenerateSummary implements summarizer.SummaryGenerator. It submits a
// summarize op carrying a fresh client sequence number, then schedules the
// matching ack.
func (g *FakeGenerator) GenerateSummary(
	ctx context.Context, opts summarizer.GenerateSummaryOptions,
) (summarizer.GenerateSummaryData, error) {

	g.mu.Lock()
	g.clientSeq++
	clientSeq := g.clientSeq
	g.mu.Unlock()

	refSeq := g.stream.lastSeenSeq()

	op := g.stream.Submit(summarizer.SequencedOp{
		Type:                    summarizer.OpSummarize,
		ClientID:                g.clientID,
		ReferenceSequenceNumber: refSeq,
		ClientSequenceNumber:    clientSeq,
		Handle:                  uuid.NewString(),
	}, time.Now())

	if opts.Logger != nil {
		opts.Logger.LogEvent("fakeGenerator.submitted", map[string]any{
			"refSeq": refSeq, "clientSeq": clientSeq,
		})
	}

	go func() {
		if g.ackDelay > 0 {
			select {
			case <-time.After(g.ackDelay):
			case <-ctx.Done():
				return
			}
		}
		g.stream.SubmitAckNack(op.SequenceNumber, true, time.Now())
	}()

	return summarizer.GenerateSummaryData{
		ReferenceSequenceNumber: refSeq,
		Submitted:               true,
		ClientSequenceNumber:    clientSeq,
	}, nil
}

// RefreshLatestSummaryAck implements summarizer.SummaryGenerator. The fake
// generator has no local tree to rebase, so this is a no-op.
func (g *FakeGenerator) RefreshLatestSummaryAck(
	ctx context.Context, proposalHandle, ackHandle string,
	logger summarizer.SummaryLogger,
) error {

	if logger != nil {
		logger.LogEvent("fakeGenerator.refreshed", map[string]any{
			"proposalHandle": proposalHandle, "ackHandle": ackHandle,
		})
	}
	return nil
}

// lastSeenSeq returns the most recent sequence number handed out by Submit,
// used to stamp a summarize op's reference position.
func (f *FakeStream) lastSeenSeq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// FakeDeltaManager is a summarizer.DeltaManager backed by a FakeStream, for
// the CLI demo and tests. The fake client is always writable.
type FakeDeltaManager struct {
	stream  *FakeStream
	initial int64
}

// NewFakeDeltaManager returns a DeltaManager that reports initial as the
// session's starting position and tracks stream's high-water mark.
func NewFakeDeltaManager(stream *FakeStream, initial int64) *FakeDeltaManager {
	return &FakeDeltaManager{stream: stream, initial: initial}
}

// InitialSequenceNumber implements summarizer.DeltaManager.
func (d *FakeDeltaManager) InitialSequenceNumber() int64 { return d.initial }

// LastSequenceNumber implements summarizer.DeltaManager.
func (d *FakeDeltaManager) LastSequenceNumber() int64 { return d.stream.lastSeenSeq() }

// Active implements summarizer.DeltaManager; the fake client can always
// write.
func (d *FakeDeltaManager) Active() bool { return true }
