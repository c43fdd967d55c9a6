package summarizer

import (
	"context"
	"sync"
	"time"
)

// AckNack is the resolved outcome of a proposal's adjudication: either a
// summary-ack or a summary-nack, discriminated by Ack.
type AckNack struct {
	Ack bool
	Op  SequencedOp

	// ProposalHandle is the storage handle of the summarize op this
	// ack/nack adjudicates, carried forward from the matching
	// proposalEntry so the ack-refresh loop can correlate the two
	// without re-deriving it from SummarySequenceNumber (§4.5).
	ProposalHandle string
}

// proposalEntry tracks one outstanding proposal from Submitted through
// Broadcast to Acked/Nacked (§3 Pending proposal).
type proposalEntry struct {
	clientID  string
	clientSeq int64

	broadcastCh chan SequencedOp
	ackNackCh   chan AckNack

	broadcastDone bool
	ackNackDone   bool

	// summarySeq is set once the summarize op is observed broadcast,
	// letting an ack/nack be matched back to this entry via its own
	// SummaryProposal.SummarySequenceNumber reference.
	summarySeq int64
	hasSeq     bool

	// handle is the storage handle of the summarize op, carried forward
	// into the resolved AckNack so the ack-refresh loop can rebase the
	// generator onto it (§4.5).
	handle string

	broadcastAt time.Time
}

// Proposal is the handle returned by Watcher.WatchSummary, letting the
// caller await the proposal's broadcast and then its ack/nack (§4.2).
type Proposal struct {
	entry *proposalEntry
}

// WaitBroadcast resolves with the summarize op once it appears on the
// stream carrying this proposal's client-sequence-number. Per the
// collection's ordering guarantee, this always resolves before
// WaitAckNack for the same proposal.
func (p *Proposal) WaitBroadcast(ctx context.Context) (SequencedOp, error) {
	select {
	case op := <-p.entry.broadcastCh:
		return op, nil
	case <-ctx.Done():
		return SequencedOp{}, ctx.Err()
	}
}

// WaitAckNack resolves with the matching ack or nack. Resolves at most
// once.
func (p *Proposal) WaitAckNack(ctx context.Context) (AckNack, error) {
	select {
	case an := <-p.entry.ackNackCh:
		return an, nil
	case <-ctx.Done():
		return AckNack{}, ctx.Err()
	}
}

// Watcher scopes WatchSummary calls to proposals originated by one client
// (§4.2).
type Watcher struct {
	collection *SummaryCollection
	clientID   string
}

// WatchSummary registers interest in the proposal that will be broadcast
// with the given local client-sequence-number.
func (w *Watcher) WatchSummary(clientSeq int64) *Proposal {
	return &Proposal{entry: w.collection.registerProposal(w.clientID, clientSeq)}
}

// ackWaiter backs the long-lived WaitSummaryAck query.
type ackWaiter struct {
	threshold int64
	ch        chan AckNack
}

// pendingAckFallback is the installable ack-by-ops timeout described in
// §4.2; it is a coarse safety net used only during startup resynchronization,
// independent of the dedicated PromiseTimer used by a live summarize
// attempt.
type pendingAckFallback struct {
	armed        bool
	unackedSince time.Time
	maxWait      time.Duration
	cb           func()
}

// SummaryCollection multiplexes the ordered stream into per-proposal
// futures (§4.2). All mutation happens under mu; HandleOp is expected to be
// called from a single logical execution context (the facade's stream
// listener), matching §5's cooperative concurrency model.
type SummaryCollection struct {
	mu sync.Mutex

	byClientAndSeq map[string]map[int64]*proposalEntry
	bySummarySeq   map[int64]*proposalEntry

	ackWaiters []*ackWaiter

	lastOpTimestamp time.Time
	lastAck         *AckNack

	fallback pendingAckFallback

	flushOnce sync.Once
	flushedCh chan struct{}
}

// NewSummaryCollection returns an empty collection.
func NewSummaryCollection() *SummaryCollection {
	return &SummaryCollection{
		byClientAndSeq: make(map[string]map[int64]*proposalEntry),
		bySummarySeq:   make(map[int64]*proposalEntry),
		flushedCh:      make(chan struct{}),
	}
}

// CreateWatcher returns a Watcher scoped to proposals originated by
// clientID.
func (sc *SummaryCollection) CreateWatcher(clientID string) *Watcher {
	return &Watcher{collection: sc, clientID: clientID}
}

// registerProposal returns (creating if necessary) the entry for
// (clientID, clientSeq).
func (sc *SummaryCollection) registerProposal(
	clientID string, clientSeq int64,
) *proposalEntry {

	sc.mu.Lock()
	defer sc.mu.Unlock()

	byClient, ok := sc.byClientAndSeq[clientID]
	if !ok {
		byClient = make(map[int64]*proposalEntry)
		sc.byClientAndSeq[clientID] = byClient
	}

	if entry, ok := byClient[clientSeq]; ok {
		return entry
	}

	entry := &proposalEntry{
		clientID:    clientID,
		clientSeq:   clientSeq,
		broadcastCh: make(chan SequencedOp, 1),
		ackNackCh:   make(chan AckNack, 1),
	}
	byClient[clientSeq] = entry

	return entry
}

// HandleOp feeds one stream op into the collection, resolving any matching
// proposal futures and long-lived ack waiters.
func (sc *SummaryCollection) HandleOp(op SequencedOp) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.lastOpTimestamp = op.Timestamp

	switch op.Type {
	case OpSummarize:
		sc.resolveBroadcastLocked(op)

	case OpSummaryAck, OpSummaryNack:
		sc.resolveAckNackLocked(op)
	}

	sc.checkFallbackLocked()
}

func (sc *SummaryCollection) resolveBroadcastLocked(op SequencedOp) {
	byClient, ok := sc.byClientAndSeq[op.ClientID]
	if !ok {
		return
	}
	entry, ok := byClient[op.ClientSequenceNumber]
	if !ok || entry.broadcastDone {
		return
	}

	entry.broadcastDone = true
	entry.hasSeq = true
	entry.summarySeq = op.SequenceNumber
	entry.handle = op.Handle
	entry.broadcastAt = op.Timestamp
	sc.bySummarySeq[op.SequenceNumber] = entry

	entry.broadcastCh <- op
}

func (sc *SummaryCollection) resolveAckNackLocked(op SequencedOp) {
	an := AckNack{Ack: op.Type == OpSummaryAck, Op: op}

	if op.SummaryProposal != nil {
		if entry, ok := sc.bySummarySeq[op.SummaryProposal.SummarySequenceNumber]; ok {
			an.ProposalHandle = entry.handle
		}
	}

	if an.Ack {
		ackCopy := an
		sc.lastAck = &ackCopy
	}

	if op.SummaryProposal == nil {
		return
	}
	summarySeq := op.SummaryProposal.SummarySequenceNumber

	if entry, ok := sc.bySummarySeq[summarySeq]; ok && !entry.ackNackDone {
		entry.ackNackDone = true
		entry.ackNackCh <- an
	}

	if an.Ack {
		sc.resolveAckWaitersLocked(summarySeq, an)
	}
}

func (sc *SummaryCollection) resolveAckWaitersLocked(
	summarySeq int64, an AckNack,
) {

	remaining := sc.ackWaiters[:0]
	for _, w := range sc.ackWaiters {
		if summarySeq >= w.threshold {
			w.ch <- an
		} else {
			remaining = append(remaining, w)
		}
	}
	sc.ackWaiters = remaining
}

func (sc *SummaryCollection) checkFallbackLocked() {
	fb := &sc.fallback
	if !fb.armed {
		return
	}
	if sc.lastOpTimestamp.Sub(fb.unackedSince) > fb.maxWait {
		fb.armed = false
		cb := fb.cb
		if cb != nil {
			go cb()
		}
	}
}

// WaitFlushed resolves once the collection has been told (via Flush) that
// the stream is drained up to the current position, returning the latest
// ack observed up to that point, if any. Used on startup to synchronize to
// the latest ack (§4.2).
func (sc *SummaryCollection) WaitFlushed(
	ctx context.Context,
) (*AckNack, error) {

	select {
	case <-sc.flushedCh:
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return sc.lastAck, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush marks the collection as caught up to the current stream position.
// Idempotent.
func (sc *SummaryCollection) Flush() {
	sc.flushOnce.Do(func() { close(sc.flushedCh) })
}

// WaitSummaryAck returns the next ack whose referenced proposal's summary
// sequence number is >= refSeq (§4.2). Used by the facade's ack-refresh
// loop.
func (sc *SummaryCollection) WaitSummaryAck(
	ctx context.Context, refSeq int64,
) (AckNack, error) {

	sc.mu.Lock()
	// Fast path: the threshold may already be satisfied by the last
	// observed ack.
	if sc.lastAck != nil &&
		sc.lastAck.Op.SummaryProposal != nil &&
		sc.lastAck.Op.SummaryProposal.SummarySequenceNumber >= refSeq {

		an := *sc.lastAck
		sc.mu.Unlock()
		return an, nil
	}

	w := &ackWaiter{threshold: refSeq, ch: make(chan AckNack, 1)}
	sc.ackWaiters = append(sc.ackWaiters, w)
	sc.mu.Unlock()

	select {
	case an := <-w.ch:
		return an, nil
	case <-ctx.Done():
		return AckNack{}, ctx.Err()
	}
}

// SetPendingAckTimerTimeoutCallback installs a fallback that fires at most
// once when the gap between an unacked proposal's timestamp and the latest
// observed op timestamp exceeds maxAckWaitTime. Used during startup only
// (§4.2, §4.4 step 2).
func (sc *SummaryCollection) SetPendingAckTimerTimeoutCallback(
	maxAckWaitTime time.Duration, cb func(),
) {

	sc.mu.Lock()
	defer sc.mu.Unlock()

	unackedSince := sc.lastOpTimestamp
	for _, byClient := range sc.byClientAndSeq {
		for _, entry := range byClient {
			if entry.broadcastDone && !entry.ackNackDone {
				if unackedSince.IsZero() || entry.broadcastAt.Before(unackedSince) {
					unackedSince = entry.broadcastAt
				}
			}
		}
	}
	if unackedSince.IsZero() {
		unackedSince = time.Now()
	}

	sc.fallback = pendingAckFallback{
		armed:        true,
		unackedSince: unackedSince,
		maxWait:      maxAckWaitTime,
		cb:           cb,
	}
}

// UnsetPendingAckTimerTimeoutCallback removes the installed fallback
// without invoking it.
func (sc *SummaryCollection) UnsetPendingAckTimerTimeoutCallback() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.fallback = pendingAckFallback{}
}
