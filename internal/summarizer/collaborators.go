package summarizer

import (
	"context"

	"github.com/roasbeef/subtrate/internal/baselib/actor"
)

// SummaryStats carries whatever size/timing bookkeeping the external
// summary generator wants surfaced for telemetry. Its shape is owned by the
// generator; the core treats it as opaque.
type SummaryStats map[string]any

// GenerateSummaryData is the result of one call to SummaryGenerator's
// GenerateSummary (§6).
type GenerateSummaryData struct {
	// ReferenceSequenceNumber is the stream position the summary was
	// taken against.
	ReferenceSequenceNumber int64

	// Submitted is false if the op was never sent to the ordering
	// service; the ack-wait phase is skipped and the attempt fails
	// immediately.
	Submitted bool

	// ClientSequenceNumber is the local submission id assigned to the
	// proposal, used to correlate it with its stream echo.
	ClientSequenceNumber int64

	// Stats is opaque generator telemetry.
	Stats SummaryStats

	// Err is set when Submitted is false, carrying the generator's
	// reported cause.
	Err error
}

// SummaryLogger is handed to the generator so it can attribute its own
// telemetry to the attempt that's in flight.
type SummaryLogger interface {
	LogEvent(name string, kv map[string]any)
}

// GenerateSummaryOptions is passed to SummaryGenerator.GenerateSummary.
type GenerateSummaryOptions struct {
	FullTree         bool
	RefreshLatestAck bool
	Logger           SummaryLogger
}

// SummaryGenerator is the external collaborator responsible for building
// the actual summary tree and submitting the summarize op (§6, out of
// scope per §1). The core only calls it and interprets its result.
type SummaryGenerator interface {
	// GenerateSummary builds and submits a summary, returning its
	// outcome. The core does not distinguish a thrown error from a
	// returned error here; both simply fail the attempt with
	// ErrGenerateSummaryFailure.
	GenerateSummary(
		ctx context.Context, opts GenerateSummaryOptions,
	) (GenerateSummaryData, error)

	// RefreshLatestSummaryAck is called once per observed ack so the
	// host can rebase its in-memory tree to the latest committed
	// summary.
	RefreshLatestSummaryAck(
		ctx context.Context, proposalHandle, ackHandle string,
		logger SummaryLogger,
	) error
}

// DeltaManager is the subset of the embedding runtime's transport layer the
// core depends on (§6).
type DeltaManager interface {
	// InitialSequenceNumber is the stream position the session started
	// observing from.
	InitialSequenceNumber() int64

	// LastSequenceNumber is the latest stream position observed.
	LastSequenceNumber() int64

	// Active reports whether this client may write to the stream.
	Active() bool
}

// OrderingStream is the inbound op feed the core observes (§6). Errors
// alongside an op (non-nil err) mean the op should be dropped by
// RunningSummarizer.HandleOp.
type OrderingStream interface {
	// Ops returns a channel of incoming (op, error) pairs. The channel
	// is closed when the stream is torn down.
	Ops() <-chan OpOrError
}

// OpOrError pairs a stream op with an optional delivery error (§4.4
// handleOp).
type OpOrError struct {
	Op  SequencedOp
	Err error
}

// Runtime bundles the embedding collaborators the facade needs beyond the
// stream and delta manager (§6).
type Runtime struct {
	// ClientID is this process's client id on the stream.
	ClientID string

	// ComputedSummarizerClientID returns the currently elected
	// summarizer's client id, or ("", false) if none is computed yet.
	ComputedSummarizerClientID func() (string, bool)

	DeltaManager DeltaManager
	Stream       OrderingStream
	Generator    SummaryGenerator

	// NextSummarizerD, if supplied, is the deferred slot SetSummarizer
	// resolves once this facade declares itself the designated successor
	// summarizer (§6). May be left nil when no handoff coordination is
	// needed.
	NextSummarizerD actor.Promise[*Summarizer]

	// CloseFn terminates the parent container.
	CloseFn func()
}
