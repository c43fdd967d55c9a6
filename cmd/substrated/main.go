package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/roasbeef/subtrate/internal/baselib/actor"
	"github.com/roasbeef/subtrate/internal/build"
	"github.com/roasbeef/subtrate/internal/db"
	"github.com/roasbeef/subtrate/internal/summarizer"
	"github.com/roasbeef/subtrate/internal/summarizer/ordering"
	"github.com/roasbeef/subtrate/internal/summarystore"
)

// initLogging wires a console handler and a rotating file handler (under
// logDir) into a single fanned-out btclog backend, and points the
// summarizer and actor packages' package-level loggers at subsystem-tagged
// views of it.
func initLogging(logDir string) (*build.RotatingLogWriter, error) {
	fileWriter := build.NewRotatingLogWriter()
	rotCfg := build.DefaultLogRotatorConfig()
	rotCfg.LogDir = logDir
	if err := fileWriter.InitLogRotator(rotCfg); err != nil {
		return nil, fmt.Errorf("failed to init log rotator: %w", err)
	}

	handlers := build.NewHandlerSet(
		btclogv2.NewDefaultHandler(os.Stdout),
		btclogv2.NewDefaultHandler(fileWriter),
	)

	summarizer.UseLogger(btclogv2.NewSLogger(handlers.SubSystem("SUMZ")))
	actor.UseLogger(btclogv2.NewSLogger(handlers.SubSystem("ACTR")))

	return fileWriter, nil
}

func main() {
	var (
		dbPath   = flag.String("db", "", "Path to the summarystore SQLite database (default: ~/.subtrate/subtrate.db)")
		clientID = flag.String("client-id", "substrated", "Client id this daemon acts as")
		idle     = flag.Duration("idle", 30*time.Second, "Idle-trigger duration")
		maxTime  = flag.Duration("max-time", 2*time.Minute, "Max-time-trigger duration")
		maxOps   = flag.Int64("max-ops", 200, "Max-ops-trigger threshold")
		ackWait  = flag.Duration("ack-wait", 10*time.Second, "Per-attempt ack wait timeout")
	)
	flag.Parse()

	path := *dbPath
	if path == "" {
		var err error
		path, err = db.DefaultDBPath()
		if err != nil {
			log.Fatalf("failed to resolve default db path: %v", err)
		}
	}

	logWriter, err := initLogging(filepath.Dir(path))
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logWriter.Close()

	store, err := summarystore.Open(path)
	if err != nil {
		log.Fatalf("failed to open summarystore: %v", err)
	}
	defer store.Close()

	// Production transport to a real ordering service is out of scope
	// (spec Non-goals); the daemon drives the core against the same
	// in-memory fake the CLI's demo mode uses, giving operators a
	// runnable process that exercises the whole summarize/ack loop.
	stream := ordering.NewFakeStream()
	defer stream.Close()

	generator := ordering.NewFakeGenerator(stream, *clientID, 100*time.Millisecond)
	deltaMgr := ordering.NewFakeDeltaManager(stream, 0)

	runtime := summarizer.Runtime{
		ClientID: *clientID,
		ComputedSummarizerClientID: func() (string, bool) {
			return *clientID, true
		},
		DeltaManager: deltaMgr,
		Stream:       stream,
		Generator:    generator,
		CloseFn:      stream.Close,
	}

	config := summarizer.SummaryConfiguration{
		IdleTime:       *idle,
		MaxTime:        *maxTime,
		MaxOps:         *maxOps,
		MaxAckWaitTime: *ackWait,
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("invalid summarizer configuration: %v", err)
	}

	sm := summarizer.NewSummarizer(runtime, config)
	sm.SetConnected(true)
	sm.SetElected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")
		sm.TriggerLastSummary()
		cancel()
	}()

	go func() {
		for w := range sm.Warnings() {
			log.Printf("slow summarize attempt: reason=%s elapsed=%s",
				w.Reason, w.Elapsed)
		}
	}()

	go recordAttempts(ctx, store, *clientID, sm.Attempts())

	log.Printf("substrated starting, client-id=%s db=%s", *clientID, path)

	reason, err := sm.Run(ctx, *clientID)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("summarizer run failed: %v", err)
	}

	fmt.Printf("substrated stopped: reason=%q\n", reason)
}

// recordAttempts persists each rung of the escalation ladder to the
// summarystore as the facade reports it, independent of the ack-keyed
// summary records the stream tap writes.
func recordAttempts(
	ctx context.Context, store *summarystore.Store, clientID string,
	events <-chan summarizer.AttemptEvent,
) {

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
				log.Printf("failed to record attempt: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}
