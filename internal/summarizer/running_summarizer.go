package summarizer

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/subtrate/internal/baselib/actor"
)

// maxAttempts is the size of the retry escalation ladder (§4.4): the
// original attempt plus two retries.
const maxAttempts = 3

// summarizeResult is the outcome threaded through the in-flight attempt's
// promise.
type summarizeResult struct {
	acked bool
}

// AttemptEvent reports the observable outcome of one rung of the escalation
// ladder, for telemetry and persistence by the embedding runtime (§6). It is
// delivered to whatever callback SetAttemptEventHandler installs, once per
// call to runOneAttempt regardless of success or failure.
type AttemptEvent struct {
	Reason            TriggerReason
	AttemptIndex      int
	RefSequenceNumber int64
	Outcome           string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// RunningSummarizer owns the live retry state machine for a single elected
// summarizer: it watches the ordered op stream, decides when to summarize
// via Heuristics, and drives a summarize attempt through up to three tries
// of escalating aggressiveness before giving up (§4.4).
//
// RunningSummarizer is the single logical execution context described in
// §5: HandleOp must be called serially from one goroutine (the facade's
// stream listener). Internally, a summarize attempt runs on its own
// goroutine so that waitStop can block the caller without deadlocking op
// delivery; the attempt's completion is communicated back via an
// actor.Promise/Future pair rather than by re-entering HandleOp, matching
// the "deferred as mutex" pattern used elsewhere in the actor runtime (§9
// Design Notes).
type RunningSummarizer struct {
	clientID  string
	generator SummaryGenerator
	watcher   *Watcher
	collector *SummaryCollection
	config    SummaryConfiguration

	heuristics *Heuristics

	mu sync.Mutex

	disposed bool
	stopping bool

	// summarizing is non-nil while an attempt is in flight. A trigger
	// that arrives while it is set just flips tryWhileSummarizing rather
	// than starting a second attempt (§4.4 single-flight).
	summarizing         actor.Promise[summarizeResult]
	tryWhileSummarizing bool

	stopOnce sync.Once
	stopCh   chan StopReason

	pendingAckTimer *PromiseTimer

	// warnFn, if non-nil, is called once per attempt that runs longer
	// than warnAfter without resolving, so the embedding runtime can
	// surface telemetry without the core owning a logging sink.
	warnFn func(reason TriggerReason, elapsed time.Duration)

	// attemptFn, if non-nil, is called once per rung of the escalation
	// ladder with its outcome (§6). Install it with
	// SetAttemptEventHandler before Start.
	attemptFn func(event AttemptEvent)
}

// NewRunningSummarizer constructs a RunningSummarizer. lastAttempted/
// lastAcked should reflect the startup resynchronization performed by the
// facade (§4.3). warnFn may be nil.
func NewRunningSummarizer(
	clientID string, generator SummaryGenerator, collector *SummaryCollection,
	config SummaryConfiguration, initial SummaryAttempt,
	warnFn func(reason TriggerReason, elapsed time.Duration),
) *RunningSummarizer {

	rs := &RunningSummarizer{
		clientID:        clientID,
		generator:       generator,
		collector:       collector,
		watcher:         collector.CreateWatcher(clientID),
		config:          config,
		stopCh:          make(chan StopReason, 1),
		pendingAckTimer: NewPromiseTimer(),
		warnFn:          warnFn,
	}

	rs.heuristics = NewHeuristics(config, rs.trigger)
	rs.heuristics.Initialize(initial)

	return rs
}

// SetAttemptEventHandler installs fn to be called once per rung of the
// escalation ladder with its outcome, for telemetry and persistence by the
// embedding runtime (§6). Must be called before Start; nil disables
// reporting.
func (rs *RunningSummarizer) SetAttemptEventHandler(fn func(event AttemptEvent)) {
	rs.attemptFn = fn
}

// Start evaluates the heuristics once, arming the idle timer or firing an
// immediate trigger if the resynchronized state already exceeds maxTime or
// maxOps (§4.3, §4.4 step 1).
func (rs *RunningSummarizer) Start() {
	rs.heuristics.Run()
}

// HandleOp feeds one observed stream op into the summarizer (§4.4 step 2,
// handleOp). Save ops trigger an attempt immediately, bypassing the
// heuristic clock; all ops update the heuristics' view of the stream
// position and, unless an attempt is currently in flight, re-evaluate the
// heuristic clock afterward.
func (rs *RunningSummarizer) HandleOp(op SequencedOp) {
	rs.collector.HandleOp(op)
	rs.heuristics.SetLastOpSequenceNumber(op.SequenceNumber)

	if op.Type == OpSave {
		rs.trigger(Save(op.ClientID, op.Contents))
		return
	}

	rs.mu.Lock()
	summarizing := rs.summarizing != nil
	rs.mu.Unlock()

	if !summarizing {
		rs.heuristics.Run()
	}
}

// trigger starts a new summarize attempt, or, if one is already in flight,
// records that another attempt should run immediately after it finishes
// (§4.4 single-flight with coalescing).
func (rs *RunningSummarizer) trigger(reason TriggerReason) {
	rs.mu.Lock()

	if rs.disposed || rs.stopping {
		rs.mu.Unlock()
		return
	}

	if rs.summarizing != nil {
		rs.tryWhileSummarizing = true
		rs.mu.Unlock()
		return
	}

	promise := actor.NewPromise[summarizeResult]()
	rs.summarizing = promise
	rs.mu.Unlock()

	rs.heuristics.StopIdleTimer()

	go rs.runAttempts(reason, promise)
}

// runAttempts drives the escalation ladder (§4.4 steps 3-9) and resolves
// promise exactly once, then re-evaluates whether a coalesced trigger
// should run next.
func (rs *RunningSummarizer) runAttempts(
	reason TriggerReason, promise actor.Promise[summarizeResult],
) {

	ctx := context.Background()

	start := time.Now()
	if rs.warnFn != nil {
		timer := time.AfterFunc(rs.warnAfter(), func() {
			rs.warnFn(reason, time.Since(start))
		})
		defer timer.Stop()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		opts := attemptOptionsFor(attempt)

		attemptStart := time.Now()
		err := rs.runOneAttempt(ctx, opts)
		rs.reportAttempt(reason, attempt, err, attemptStart)

		if err == nil {
			rs.heuristics.AckLastSent()
			promise.Complete(fn.Ok(summarizeResult{acked: true}))
			rs.onAttemptDone()
			return
		}

		lastErr = err
	}

	promise.Complete(fn.Err[summarizeResult](lastErr))
	rs.stop(StopFailToSummarize)
}

// reportAttempt notifies the installed attempt-event handler, if any, of one
// rung's outcome (§6).
func (rs *RunningSummarizer) reportAttempt(
	reason TriggerReason, attemptIndex int, err error, startedAt time.Time,
) {

	if rs.attemptFn == nil {
		return
	}

	outcome := "acked"
	if err != nil {
		outcome = err.Error()
	}

	rs.attemptFn(AttemptEvent{
		Reason:            reason,
		AttemptIndex:      attemptIndex,
		RefSequenceNumber: rs.heuristics.LastAttempted().RefSequenceNumber,
		Outcome:           outcome,
		StartedAt:         startedAt,
		FinishedAt:        time.Now(),
	})
}

// runOneAttempt runs a single try of the ladder: generate, wait for the
// proposal's own broadcast, then wait for its ack/nack, racing the ack-wait
// against the pending-ack timer (§4.4 steps 4-8, §4.1, §4.2).
func (rs *RunningSummarizer) runOneAttempt(
	ctx context.Context, opts SummarizeOptions,
) error {

	data, err := rs.generator.GenerateSummary(ctx, GenerateSummaryOptions{
		FullTree:         opts.FullTree,
		RefreshLatestAck: opts.RefreshLatestAck,
	})

	// recordAttempt always runs, regardless of outcome, so the heuristic
	// clock moves even on failure (§4.3, §5). A failed call carries no
	// reference sequence number of its own, so fall back to the latest
	// observed stream position.
	if err != nil {
		rs.heuristics.RecordAttempt(nil)
		return ErrGenerateSummaryFailure
	}
	rs.heuristics.RecordAttempt(&data.ReferenceSequenceNumber)

	if !data.Submitted {
		return ErrGenerateSummaryFailure
	}

	proposal := rs.watcher.WatchSummary(data.ClientSequenceNumber)

	waitCtx, cancel := context.WithTimeout(ctx, rs.config.EffectiveAckWait())
	defer cancel()

	timerCh := rs.pendingAckTimer.Start(rs.config.EffectiveAckWait())
	defer rs.pendingAckTimer.Clear()

	broadcastCh := make(chan SequencedOp, 1)
	go func() {
		op, err := proposal.WaitBroadcast(waitCtx)
		if err == nil {
			broadcastCh <- op
		}
	}()

	res, op, err := raceAgainstTimer(waitCtx, broadcastCh, timerCh)
	if err != nil {
		return err
	}
	if res == raceTimer {
		return ErrSummaryOpWaitTimeout
	}

	rs.heuristics.SetLastAttemptedSummarySeq(op.SequenceNumber)

	ackCh := make(chan AckNack, 1)
	go func() {
		an, err := proposal.WaitAckNack(waitCtx)
		if err == nil {
			ackCh <- an
		}
	}()

	ackRes, an, err := raceAgainstTimer(waitCtx, ackCh, timerCh)
	if err != nil {
		return err
	}
	if ackRes == raceTimer {
		return ErrSummaryAckWaitTimeout
	}
	if !an.Ack {
		return ErrSummaryNack
	}

	return nil
}

// onAttemptDone clears the in-flight promise and, unless disposed or
// stopping, re-runs the heuristic decision so a trigger coalesced during the
// attempt (or simply the current stream position) is reconsidered fresh
// rather than forcing an unconditional new attempt (§4.4 step 9, §8
// Coalescing Law).
func (rs *RunningSummarizer) onAttemptDone() {
	rs.mu.Lock()
	rs.summarizing = nil
	rs.tryWhileSummarizing = false
	disposed := rs.disposed
	stopping := rs.stopping
	rs.mu.Unlock()

	if disposed || stopping {
		return
	}

	rs.heuristics.Run()
}

// warnAfter is the elapsed-time threshold past which an in-flight attempt is
// considered unusually slow: twice the per-attempt ack-wait budget, covering
// roughly two tries of the escalation ladder.
func (rs *RunningSummarizer) warnAfter() time.Duration {
	return rs.config.EffectiveAckWait() * 2
}

// TriggerLastSummary starts (or coalesces into) a final summarize attempt
// ahead of voluntary shutdown, used when the parent revokes this client's
// summarizer role gracefully (§4.5).
func (rs *RunningSummarizer) TriggerLastSummary() {
	rs.trigger(TriggerReason{Kind: TriggerLastSummary})
}

// WaitStop blocks until the summarizer stops for any reason, or ctx is
// cancelled.
func (rs *RunningSummarizer) WaitStop(ctx context.Context) (StopReason, error) {
	select {
	case reason := <-rs.stopCh:
		return reason, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stop records the stop reason exactly once and marks the summarizer as no
// longer willing to start new attempts.
func (rs *RunningSummarizer) stop(reason StopReason) {
	rs.mu.Lock()
	rs.stopping = true
	rs.mu.Unlock()

	rs.heuristics.StopIdleTimer()

	rs.stopOnce.Do(func() {
		rs.stopCh <- reason
	})
}

// Dispose tears the summarizer down immediately: it stops the idle timer,
// marks the instance disposed so no further triggers start new attempts,
// and awaits any in-flight attempt so that callers can rely on Dispose
// having fully quiesced background work before returning (§4.5).
//
// Dispose does not cancel an attempt already in flight; the generator and
// ordering stream are expected to observe the parent's own teardown and
// fail the attempt naturally, which runAttempts will then report through
// the normal escalation-then-stop path.
func (rs *RunningSummarizer) Dispose(ctx context.Context) error {
	rs.mu.Lock()
	if rs.disposed {
		rs.mu.Unlock()
		return nil
	}
	rs.disposed = true
	promise := rs.summarizing
	rs.mu.Unlock()

	rs.heuristics.StopIdleTimer()

	if promise != nil {
		// The attempt's own outcome doesn't matter here; we only need
		// to know it has finished before Dispose returns.
		_ = promise.Future().Await(ctx)
	}

	rs.stop(StopDisposed)

	return nil
}
