package summarizer

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/subtrate/internal/baselib/actor"
)

// Warning is emitted on the facade's warning channel when a summarize
// attempt is taking unusually long, so the embedding runtime can surface
// telemetry without the core owning a logging sink (§4.5, §6, Non-goals).
type Warning struct {
	Reason  TriggerReason
	Elapsed string
}

// Summarizer is the lifecycle owner handed to the embedding runtime: it
// gates a RunningSummarizer's existence on the three preconditions in §4.5
// (connected and elected, an active delta manager, and a computed summarizer
// client id naming onBehalfOf or this client), wires the stream into both
// the SummaryCollection and the RunningSummarizer, and runs the independent
// ack-refresh loop that keeps the external summary generator's view of the
// latest acked summary current even when no local attempt is in flight.
type Summarizer struct {
	runtime Runtime
	config  SummaryConfiguration

	coordinator *RunCoordinator
	collector   *SummaryCollection

	mu         sync.Mutex
	running    *RunningSummarizer
	stopped    bool
	onBehalfOf string

	warnings chan Warning
	attempts chan AttemptEvent
}

// NewSummarizer constructs a facade around the given runtime collaborators.
// It does not start anything; call Run to begin.
func NewSummarizer(runtime Runtime, config SummaryConfiguration) *Summarizer {
	return &Summarizer{
		runtime:     runtime,
		config:      config,
		coordinator: NewRunCoordinator(),
		collector:   NewSummaryCollection(),
		warnings:    make(chan Warning, 16),
		attempts:    make(chan AttemptEvent, 16),
	}
}

// Warnings returns the channel the facade posts long-running-attempt
// warnings on (§6). The core never logs these itself; callers decide how to
// surface them.
func (s *Summarizer) Warnings() <-chan Warning {
	return s.warnings
}

// Attempts returns the channel the facade posts one event on per rung of the
// escalation ladder (§6), for callers that want to persist attempt
// telemetry (e.g. to an observability store) independent of the ack-keyed
// summary record.
func (s *Summarizer) Attempts() <-chan AttemptEvent {
	return s.attempts
}

// UpdateOnBehalfOf changes the client id this facade's precondition 3 check
// treats as the one it may legitimately be summarizing on behalf of,
// letting the host redirect an in-flight Run without restarting it (§6).
func (s *Summarizer) UpdateOnBehalfOf(clientID string) {
	s.mu.Lock()
	s.onBehalfOf = clientID
	s.mu.Unlock()
}

// SetSummarizer declares this facade the designated summarizer: it resolves
// the runtime's NextSummarizerD deferred, if one was supplied, and returns a
// future that resolves to this instance (§6).
func (s *Summarizer) SetSummarizer() actor.Future[*Summarizer] {
	if s.runtime.NextSummarizerD != nil {
		s.runtime.NextSummarizerD.Complete(fn.Ok(s))
		return s.runtime.NextSummarizerD.Future()
	}

	self := actor.NewPromise[*Summarizer]()
	self.Complete(fn.Ok(s))
	return self.Future()
}

// SetConnected forwards the embedding runtime's connection state to the
// gating coordinator (§4.5 precondition).
func (s *Summarizer) SetConnected(connected bool) {
	s.coordinator.SetConnected(connected)
}

// SetElected forwards the external election predicate's result for this
// client to the gating coordinator (§4.5 precondition; the predicate itself
// is out of scope per §1 Non-goals).
func (s *Summarizer) SetElected(elected bool) {
	s.coordinator.SetElected(elected)
}

// Run blocks until precondition 1 is satisfied (connected and elected, via
// the RunCoordinator), then checks preconditions 2 and 3 (the delta manager
// must be active, and the computed summarizer client id must name either
// onBehalfOf or this process) before starting a RunningSummarizer and
// driving the stream listener and ack-refresh loop until ctx is cancelled
// or the summarizer stops itself (§4.5). It returns the StopReason the
// summarizer stopped with.
func (s *Summarizer) Run(ctx context.Context, onBehalfOf string) (StopReason, error) {
	s.mu.Lock()
	s.onBehalfOf = onBehalfOf
	s.mu.Unlock()

	if _, err := s.coordinator.WaitStart(ctx); err != nil {
		return "", err
	}

	if !s.runtime.DeltaManager.Active() {
		log.Debugf("deltaManager inactive, refusing to start summarizer " +
			"for %q", s.runtime.ClientID)
		return StopParentShouldNotSummarize, nil
	}

	if !s.computedSummarizerMatches() {
		log.Debugf("computed summarizer client id doesn't match "+
			"onBehalfOf %q, refusing to start", onBehalfOf)
		return StopParentNoLongerSummarizer, nil
	}

	// This transport has no historical replay phase (§6 Non-goals): the
	// stream delivers ops live from the moment it's observed, so the
	// collection is trivially caught up the instant we start watching it.
	s.collector.Flush()

	initial := s.resyncInitialAttempt(ctx)

	running := NewRunningSummarizer(
		s.runtime.ClientID, s.runtime.Generator, s.collector, s.config,
		initial, s.postWarning,
	)
	running.SetAttemptEventHandler(s.postAttempt)

	s.mu.Lock()
	s.running = running
	s.mu.Unlock()

	running.Start()

	go s.runStreamListener(ctx, running)
	go s.runAckRefreshLoop(ctx)

	select {
	case reason := <-s.coordinator.Stopped():
		running.stop(reason)
		return reason, nil

	case reason := <-running.stopCh:
		return reason, nil

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// computedSummarizerMatches implements precondition 3 (§4.5): the currently
// computed summarizer client id must equal onBehalfOf or this process's own
// client id, otherwise some other client is the authoritative summarizer
// and this facade must not start. An election result that hasn't been
// computed yet (ok == false) does not block the start.
func (s *Summarizer) computedSummarizerMatches() bool {
	computed, ok := s.runtime.ComputedSummarizerClientID()
	if !ok {
		return true
	}

	s.mu.Lock()
	onBehalfOf := s.onBehalfOf
	s.mu.Unlock()

	return computed == onBehalfOf || computed == s.runtime.ClientID
}

// postAttempt emits an AttemptEvent for one rung of the escalation ladder,
// dropping it rather than blocking if no one is reading the channel.
func (s *Summarizer) postAttempt(ev AttemptEvent) {
	select {
	case s.attempts <- ev:
	default:
	}
}

// postWarning emits a Warning for a slow attempt, dropping it rather than
// blocking if no one is reading the channel.
func (s *Summarizer) postWarning(reason TriggerReason, elapsed time.Duration) {
	select {
	case s.warnings <- Warning{Reason: reason, Elapsed: elapsed.String()}:
	default:
	}
}

// resyncInitialAttempt waits for the collection to flush up to the current
// stream position and builds the initial attempt record for the new
// RunningSummarizer (§4.3/§9(iii)): its reference sequence number is that of
// the latest observed ack naming a proposal, or the delta manager's initial
// sequence number if there is none, and its summary time is now. Run
// flushes the collection itself before calling this, so WaitFlushed returns
// at once; no ack-wait timer is raced against the flush.
func (s *Summarizer) resyncInitialAttempt(ctx context.Context) SummaryAttempt {
	an, err := s.collector.WaitFlushed(ctx)
	if err != nil || an == nil {
		return SummaryAttempt{
			RefSequenceNumber: s.runtime.DeltaManager.InitialSequenceNumber(),
			SummaryTime:       nowFn(),
		}
	}

	refSeq := s.runtime.DeltaManager.InitialSequenceNumber()
	if an.Op.SummaryProposal != nil {
		refSeq = an.Op.ReferenceSequenceNumber
	}

	return SummaryAttempt{RefSequenceNumber: refSeq, SummaryTime: nowFn()}
}

// runStreamListener is the single logical execution context's op-delivery
// side (§5): it hands every op delivered without an error to
// RunningSummarizer.HandleOp, which also feeds the collection, and stops the
// running summarizer with StopParentNotConnected once the stream closes.
func (s *Summarizer) runStreamListener(ctx context.Context, running *RunningSummarizer) {
	for {
		select {
		case oe, ok := <-s.runtime.Stream.Ops():
			if !ok {
				running.stop(StopParentNotConnected)
				return
			}
			if oe.Err != nil {
				continue
			}
			running.HandleOp(oe.Op)

		case <-ctx.Done():
			return
		}
	}
}

// runAckRefreshLoop repeatedly waits for the next observed ack and asks the
// external summary generator to rebase onto it, independent of whether a
// local attempt produced it (§4.5): acks from other clients must also
// refresh this client's view.
func (s *Summarizer) runAckRefreshLoop(ctx context.Context) {
	var lastSeen int64

	for {
		an, err := s.collector.WaitSummaryAck(ctx, lastSeen+1)
		if err != nil {
			return
		}
		if an.Op.SummaryProposal != nil {
			lastSeen = an.Op.SummaryProposal.SummarySequenceNumber
		}

		err = s.runtime.Generator.RefreshLatestSummaryAck(
			ctx, an.ProposalHandle, an.Op.Handle, nil,
		)
		if err != nil {
			log.Errorf("refresh latest summary ack failed: %v", err)
		}
	}
}

// Stop idempotently tears the running summarizer down, waiting for any
// in-flight attempt to finish before returning (§4.5).
func (s *Summarizer) Stop(ctx context.Context, reason StopReason) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	running := s.running
	s.mu.Unlock()

	if running == nil {
		return nil
	}

	running.stop(reason)
	return running.Dispose(ctx)
}

// TriggerLastSummary is called by the embedding runtime ahead of a graceful
// handoff of the summarizer role, to give the current holder a chance to
// flush one final summary before stopping (§4.5 end-of-life behavior).
func (s *Summarizer) TriggerLastSummary() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if running != nil {
		running.TriggerLastSummary()
	}
}
