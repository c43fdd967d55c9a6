package summarizer

import "errors"

// The canonical failure messages are the public contract of a summarize
// attempt (§7); callers use errors.Is against these sentinels.
var (
	// ErrGenerateSummaryFailure is reported when the external summary
	// generator threw, or returned submitted == false.
	ErrGenerateSummaryFailure = errors.New("generateSummaryFailure")

	// ErrSummaryOpWaitTimeout is reported when the summarize op's own
	// broadcast was not observed within the ack-wait window.
	ErrSummaryOpWaitTimeout = errors.New("summaryOpWaitTimeout")

	// ErrSummaryAckWaitTimeout is reported when the broadcast was
	// observed but no ack/nack arrived within the ack-wait window.
	ErrSummaryAckWaitTimeout = errors.New("summaryAckWaitTimeout")

	// ErrSummaryNack is reported when the server explicitly rejected the
	// proposal.
	ErrSummaryNack = errors.New("summaryNack")
)

// ErrDisposed is returned by operations attempted after dispose().
var ErrDisposed = errors.New("running summarizer disposed")

// ErrNotStarted is returned when the facade's preconditions were not met and
// it declined to start a RunningSummarizer.
var ErrNotStarted = errors.New("summarizer not started")
