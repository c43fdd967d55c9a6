package summarizer

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// OpType enumerates the message types visible on the ordering stream that
// this package cares about.
type OpType string

// The wire-visible op types (§6).
const (
	OpSave         OpType = "save"
	OpClientJoin   OpType = "join"
	OpClientLeave  OpType = "leave"
	OpPropose      OpType = "propose"
	OpReject       OpType = "reject"
	OpSummarize    OpType = "summarize"
	OpSummaryAck   OpType = "summaryAck"
	OpSummaryNack  OpType = "summaryNack"
)

// IsQuorumOp reports whether t is one of the quorum op types (join, leave,
// propose, reject) that handleSystemOp forwards to handleOp.
func (t OpType) IsQuorumOp() bool {
	switch t {
	case OpClientJoin, OpClientLeave, OpPropose, OpReject:
		return true
	default:
		return false
	}
}

// SummaryProposalRef is the back-reference carried by an ack/nack op,
// pointing at the stream position of the summarize op it adjudicates.
type SummaryProposalRef struct {
	// SummarySequenceNumber is the sequence number the summarize op was
	// assigned when it was broadcast.
	SummarySequenceNumber int64
}

// SequencedOp is a single message observed on (or submitted to) the ordering
// stream.
type SequencedOp struct {
	// Type identifies the kind of op.
	Type OpType

	// ClientID is the id of the client that originated the op.
	ClientID string

	// SequenceNumber is this op's own position in the total order.
	SequenceNumber int64

	// ReferenceSequenceNumber is the stream position the sender had last
	// observed when it submitted this op (the snapshot position for a
	// summarize op).
	ReferenceSequenceNumber int64

	// ClientSequenceNumber is the sender's local submission id, used to
	// correlate a submitted op with its echo on the stream.
	ClientSequenceNumber int64

	// Contents carries op-specific data: the leaver's client id as a
	// string for ClientLeave, the save message for Save.
	Contents string

	// Handle is the storage handle carried by a summarize op.
	Handle string

	// ErrorMessage is the server-supplied rejection reason, set on nack
	// ops only.
	ErrorMessage string

	// SummaryProposal back-references the summarize op an ack/nack
	// adjudicates. Nil for all other op types.
	SummaryProposal *SummaryProposalRef

	// Timestamp is the wall-clock time this op was observed.
	Timestamp time.Time
}

// SummaryAttempt is an immutable record of a summarize attempt (§3).
//
// Invariant: lastAcked.RefSequenceNumber <= lastAttempted.RefSequenceNumber
// <= lastOpSeqNumber, enforced by Heuristics and RunningSummarizer.
type SummaryAttempt struct {
	// RefSequenceNumber is the stream position the summary was taken
	// against.
	RefSequenceNumber int64

	// SummaryTime is the wall-clock time the attempt was submitted or
	// recorded.
	SummaryTime time.Time

	// SummarySequenceNumber is the stream position assigned to the
	// summarize op once it is broadcast back, if observed yet.
	SummarySequenceNumber fn.Option[int64]
}

// SummaryConfiguration holds the immutable heuristic parameters for one run
// (§3).
type SummaryConfiguration struct {
	// IdleTime is how long to wait with no triggering op before
	// summarizing due to inactivity.
	IdleTime time.Duration

	// MaxTime is the maximum time to go between summaries regardless of
	// op volume.
	MaxTime time.Duration

	// MaxOps is the maximum number of unacked ops to tolerate before
	// forcing a summary.
	MaxOps int64

	// MaxAckWaitTime bounds how long a single attempt waits for broadcast
	// and then ack/nack, before the hard cap below applies.
	MaxAckWaitTime time.Duration
}

// maxAckWaitCap is the hard ceiling applied to MaxAckWaitTime (§3).
const maxAckWaitCap = 120 * time.Second

// EffectiveAckWait returns min(MaxAckWaitTime, 120s).
func (c SummaryConfiguration) EffectiveAckWait() time.Duration {
	if c.MaxAckWaitTime > maxAckWaitCap {
		return maxAckWaitCap
	}
	return c.MaxAckWaitTime
}

// Validate returns an error if any field is non-positive.
func (c SummaryConfiguration) Validate() error {
	if c.IdleTime <= 0 {
		return fmt.Errorf("idleTime must be positive, got %s", c.IdleTime)
	}
	if c.MaxTime <= 0 {
		return fmt.Errorf("maxTime must be positive, got %s", c.MaxTime)
	}
	if c.MaxOps <= 0 {
		return fmt.Errorf("maxOps must be positive, got %d", c.MaxOps)
	}
	if c.MaxAckWaitTime <= 0 {
		return fmt.Errorf(
			"maxAckWaitTime must be positive, got %s", c.MaxAckWaitTime,
		)
	}
	return nil
}

// StopReason is the closed set of reasons a RunningSummarizer or facade stops
// (§3).
type StopReason string

// The closed set of stop reasons.
const (
	StopFailToSummarize          StopReason = "failToSummarize"
	StopParentNoLongerSummarizer StopReason = "parentNoLongerSummarizer"
	StopParentNotConnected       StopReason = "parentNotConnected"
	StopParentShouldNotSummarize StopReason = "parentShouldNotSummarize"
	StopDisposed                 StopReason = "disposed"
)

// TriggerKind is the closed set of reasons a summarize attempt was
// triggered, excluding the "save" variant's payload (§3).
type TriggerKind string

// The closed set of trigger kinds.
const (
	TriggerIdle        TriggerKind = "idle"
	TriggerMaxTime     TriggerKind = "maxTime"
	TriggerMaxOps      TriggerKind = "maxOps"
	TriggerLastSummary TriggerKind = "lastSummary"
	TriggerRetry1      TriggerKind = "retry1"
	TriggerRetry2      TriggerKind = "retry2"
	TriggerSave        TriggerKind = "save"
)

// TriggerReason identifies why a summarize attempt was started. It is used
// only for telemetry and retry dispatch (§3).
type TriggerReason struct {
	Kind TriggerKind

	// ClientID and Contents are populated only when Kind == TriggerSave.
	ClientID string
	Contents string
}

// Save builds a TriggerReason for an immediate Save-op-triggered attempt.
func Save(clientID, contents string) TriggerReason {
	return TriggerReason{Kind: TriggerSave, ClientID: clientID, Contents: contents}
}

// String renders the reason the way the core's telemetry does, e.g.
// "save;client-42: wrote section 3".
func (r TriggerReason) String() string {
	if r.Kind == TriggerSave {
		return fmt.Sprintf("save;%s: %s", r.ClientID, r.Contents)
	}
	return string(r.Kind)
}

// SummarizeOptions configures a single attempt, passed through to the
// external summary generator (§6).
type SummarizeOptions struct {
	FullTree        bool
	RefreshLatestAck bool
}

// attemptOptionsFor returns the options for the Nth attempt of the
// escalation ladder in trigger() (§4.4): attempt 0 is the original reason
// with no refresh/full-tree, attempt 1 (retry1) refreshes the ack but keeps
// a partial tree, attempt 2 (retry2) refreshes and forces a full tree.
func attemptOptionsFor(attemptIndex int) SummarizeOptions {
	switch attemptIndex {
	case 0:
		return SummarizeOptions{RefreshLatestAck: false, FullTree: false}
	case 1:
		return SummarizeOptions{RefreshLatestAck: true, FullTree: false}
	default:
		return SummarizeOptions{RefreshLatestAck: true, FullTree: true}
	}
}
