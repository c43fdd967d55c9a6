package commands

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuin/goldmark"

	"github.com/roasbeef/subtrate/internal/summarizer"
	"github.com/roasbeef/subtrate/internal/summarizer/ordering"
	"github.com/roasbeef/subtrate/internal/summarystore"
)

var summarizerCmd = &cobra.Command{
	Use:   "summarizer",
	Short: "Drive and inspect the document summarizer",
	Long: `Commands for running a local summarizer demo against an
in-memory ordering stream, and for inspecting what a running
summarizer has recorded to its observability store.`,
}

var (
	runDuration time.Duration
	runIdle     time.Duration
	runMaxTime  time.Duration
	runMaxOps   int64
	runAckWait  time.Duration
)

var summarizerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a summarizer demo against a fake ordering stream",
	Long: `Run drives a Summarizer against an in-memory fake ordering
stream and a fake summary generator, feeding it synthetic ops for
--duration and recording every accepted summary to the summarystore.
This never talks to a real ordering service; it exists to exercise the
core summarizer loop locally.`,
	RunE: runSummarizerRun,
}

var summarizerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest recorded summary and recent attempts",
	RunE:  runSummarizerStatus,
}

var summarizerReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a markdown report of recent summarizer activity",
	RunE:  runSummarizerReport,
}

func init() {
	summarizerRunCmd.Flags().DurationVar(
		&runDuration, "duration", 10*time.Second,
		"How long to drive the demo before stopping",
	)
	summarizerRunCmd.Flags().DurationVar(
		&runIdle, "idle", 2*time.Second,
		"Idle-trigger duration",
	)
	summarizerRunCmd.Flags().DurationVar(
		&runMaxTime, "max-time", 8*time.Second,
		"Max-time-trigger duration",
	)
	summarizerRunCmd.Flags().Int64Var(
		&runMaxOps, "max-ops", 20,
		"Max-ops-trigger threshold",
	)
	summarizerRunCmd.Flags().DurationVar(
		&runAckWait, "ack-wait", 5*time.Second,
		"Per-attempt ack wait timeout",
	)

	summarizerCmd.AddCommand(summarizerRunCmd)
	summarizerCmd.AddCommand(summarizerStatusCmd)
	summarizerCmd.AddCommand(summarizerReportCmd)
}

// runSummarizerRun wires a Summarizer against a FakeStream/FakeGenerator,
// submits a steady trickle of synthetic save ops to give the heuristics
// something to react to, and persists every observed ack to the
// summarystore via a stream tap.
func runSummarizerRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), runDuration)
	defer cancel()

	store, err := getSummaryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stream := ordering.NewFakeStream()
	generator := ordering.NewFakeGenerator(stream, clientID, 50*time.Millisecond)
	deltaMgr := ordering.NewFakeDeltaManager(stream, 0)

	runtime := summarizer.Runtime{
		ClientID: clientID,
		ComputedSummarizerClientID: func() (string, bool) {
			return clientID, true
		},
		DeltaManager: deltaMgr,
		Stream:       stream,
		Generator:    generator,
		CloseFn:      stream.Close,
	}

	config := summarizer.SummaryConfiguration{
		IdleTime:       runIdle,
		MaxTime:        runMaxTime,
		MaxOps:         runMaxOps,
		MaxAckWaitTime: runAckWait,
	}
	if err := config.Validate(); err != nil {
		return err
	}

	sm := summarizer.NewSummarizer(runtime, config)
	sm.SetConnected(true)
	sm.SetElected(true)

	go recordAcks(ctx, store, stream.Tap())
	go recordAttempts(ctx, store, sm.Attempts())
	go submitSyntheticSaves(ctx, stream, clientID)
	go drainWarnings(sm.Warnings())

	reason, err := sm.Run(ctx, clientID)
	if err != nil && err != context.DeadlineExceeded {
		return err
	}

	fmt.Printf("summarizer stopped: reason=%q\n", reason)
	return nil
}

// submitSyntheticSaves feeds the fake stream one save op per tick so the
// heuristics' idle/maxOps clock has something to observe.
func submitSyntheticSaves(ctx context.Context, stream *ordering.FakeStream, writerID string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ticker.C:
			n++
			stream.Submit(summarizer.SequencedOp{
				Type:     summarizer.OpSave,
				ClientID: writerID,
				Contents: fmt.Sprintf("edit #%d", n),
			}, time.Now())

		case <-ctx.Done():
			return
		}
	}
}

// recordAcks observes accepted summaries via a stream tap and persists them
// to the summarystore, independent of the core's own retry bookkeeping. It
// tracks each summarize op's handle and reference sequence number so an
// ack arriving later can be recorded with both.
func recordAcks(ctx context.Context, store *summarystore.Store, ops <-chan summarizer.OpOrError) {
	type pending struct {
		handle string
		refSeq int64
	}
	bySeq := make(map[int64]pending)

	for {
		select {
		case oe, ok := <-ops:
			if !ok {
				return
			}
			if oe.Err != nil {
				continue
			}

			switch oe.Op.Type {
			case summarizer.OpSummarize:
				bySeq[oe.Op.SequenceNumber] = pending{
					handle: oe.Op.Handle,
					refSeq: oe.Op.ReferenceSequenceNumber,
				}

			case summarizer.OpSummaryAck:
				if oe.Op.SummaryProposal == nil {
					continue
				}
				summarySeq := oe.Op.SummaryProposal.SummarySequenceNumber
				p := bySeq[summarySeq]

				rec := summarystore.SummaryRecord{
					ClientID:              clientID,
					Handle:                p.handle,
					RefSequenceNumber:     p.refSeq,
					SummarySequenceNumber: summarySeq,
					AckedAt:               oe.Op.Timestamp,
				}
				if err := store.RecordSummary(ctx, rec); err != nil {
					fmt.Printf("failed to record summary: %v\n", err)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// recordAttempts persists each rung of the escalation ladder to the
// summarystore as the facade reports it, independent of the ack-keyed
// summary records recordAcks writes.
func recordAttempts(ctx context.Context, store *summarystore.Store, events <-chan summarizer.AttemptEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}

			rec := summarystore.AttemptRecord{
				ClientID:          clientID,
				RefSequenceNumber: ev.RefSequenceNumber,
				AttemptIndex:      ev.AttemptIndex,
				TriggerKind:       string(ev.Reason.Kind),
				Outcome:           ev.Outcome,
				StartedAt:         ev.StartedAt,
				FinishedAt:        sql.NullTime{Time: ev.FinishedAt, Valid: true},
			}
			if err := store.RecordAttempt(ctx, rec); err != nil {
				fmt.Printf("failed to record attempt: %v\n", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// drainWarnings prints long-running-attempt warnings as they arrive.
func drainWarnings(warnings <-chan summarizer.Warning) {
	for w := range warnings {
		fmt.Printf("warning: attempt %s has been running for %s\n",
			w.Reason, w.Elapsed)
	}
}

func runSummarizerStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := getSummaryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	latest, err := store.LatestSummary(ctx, clientID)
	if err != nil {
		return err
	}
	attempts, err := store.RecentAttempts(ctx, clientID, 10)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(struct {
			Latest   *summarystore.SummaryRecord   `json:"latest"`
			Attempts []summarystore.AttemptRecord `json:"attempts"`
		}{Latest: latest, Attempts: attempts})
	}

	if latest == nil {
		fmt.Println("no summary recorded yet")
	} else {
		fmt.Printf(
			"latest summary: seq=%d refSeq=%d acked=%s\n",
			latest.SummarySequenceNumber, latest.RefSequenceNumber,
			latest.AckedAt.Format(time.RFC3339),
		)
	}

	fmt.Printf("recent attempts (%d):\n", len(attempts))
	for _, a := range attempts {
		fmt.Printf(
			"  attempt #%d trigger=%s outcome=%s started=%s\n",
			a.AttemptIndex, a.TriggerKind, a.Outcome,
			a.StartedAt.Format(time.RFC3339),
		)
	}

	return nil
}

// runSummarizerReport renders a markdown summary of recent activity to HTML
// via goldmark.
func runSummarizerReport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := getSummaryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	latest, err := store.LatestSummary(ctx, clientID)
	if err != nil {
		return err
	}
	attempts, err := store.RecentAttempts(ctx, clientID, 20)
	if err != nil {
		return err
	}

	md := buildReportMarkdown(clientID, latest, attempts)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	fmt.Print(buf.String())
	return nil
}

func buildReportMarkdown(
	clientID string, latest *summarystore.SummaryRecord,
	attempts []summarystore.AttemptRecord,
) string {

	var sb bytes.Buffer

	fmt.Fprintf(&sb, "# Summarizer report for `%s`\n\n", clientID)

	if latest == nil {
		sb.WriteString("No summary has been acked yet.\n\n")
	} else {
		fmt.Fprintf(&sb, "Latest acked summary: sequence **%d**, "+
			"reference **%d**, at %s.\n\n",
			latest.SummarySequenceNumber, latest.RefSequenceNumber,
			latest.AckedAt.Format(time.RFC3339))
	}

	sb.WriteString("## Recent attempts\n\n")
	sb.WriteString("| attempt | trigger | outcome | started |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, a := range attempts {
		fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n",
			a.AttemptIndex, a.TriggerKind, a.Outcome,
			a.StartedAt.Format(time.RFC3339))
	}

	return sb.String()
}
