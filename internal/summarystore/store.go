// Package summarystore is a read-side SQLite projection of accepted
// summaries, fed by the facade's ack-refresh loop. It is explicitly not part
// of the core's in-memory retry state (the core stays stateless across
// restarts per spec Non-goals); it exists purely for operator
// observability/debugging of what a summarizer has actually committed.
package summarystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/roasbeef/subtrate/internal/db"
)

// SummaryRecord is one row of the summaries table: an accepted, acked
// summary proposal.
type SummaryRecord struct {
	ClientID              string
	Handle                string
	RefSequenceNumber     int64
	SummarySequenceNumber int64
	AckedAt               time.Time
}

// AttemptRecord is one row of the summary_attempts table, recording the
// outcome of a single try of the escalation ladder for observability.
type AttemptRecord struct {
	ClientID          string
	RefSequenceNumber int64
	AttemptIndex      int
	TriggerKind       string
	Outcome           string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
}

// sqlTx is the narrow query interface our TransactionExecutor hands to a
// txBody: a plain *sql.Tx, since this package has no generated Queries type
// to narrow it to.
type sqlTx = *sql.Tx

// Store is a thin wrapper over *sql.DB exposing the summarizer's
// observability tables, following the teacher's BaseDB/BatchedQuerier shape
// (internal/db/interfaces.go) without depending on the generated sqlc
// package it was originally paired with.
type Store struct {
	*db.BaseDB

	txExec *db.TransactionExecutor[sqlTx]
}

// Open opens (creating if necessary) a SQLite database at dbPath and
// applies the shared summaries/summary_attempts schema (db.RunMigrations).
func Open(dbPath string) (*Store, error) {
	sqlDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate summarystore: %w", err)
	}

	baseDB := db.NewBaseDB(sqlDB)
	txExec := db.NewTransactionExecutor[sqlTx](
		baseDB, func(tx *sql.Tx) sqlTx { return tx }, slog.Default(),
	)

	return &Store{BaseDB: baseDB, txExec: txExec}, nil
}

// RecordSummary inserts a row reflecting a newly acked summary. Called from
// the facade's ack-refresh loop (RefreshLatestSummaryAck), never by the core
// itself.
func (s *Store) RecordSummary(ctx context.Context, rec SummaryRecord) error {
	const q = `
		INSERT INTO summaries (
			client_id, handle, ref_sequence_number,
			summary_sequence_number, acked_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(summary_sequence_number) DO NOTHING
	`

	err := s.txExec.ExecTx(ctx, db.WriteTxOption(), func(tx sqlTx) error {
		_, err := tx.ExecContext(
			ctx, q, rec.ClientID, rec.Handle, rec.RefSequenceNumber,
			rec.SummarySequenceNumber, rec.AckedAt,
		)
		return err
	})
	if err != nil {
		return db.MapSQLError(err)
	}

	return nil
}

// RecordAttempt inserts a row reflecting the outcome of a single summarize
// attempt, for operator debugging of the retry ladder.
func (s *Store) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	const q = `
		INSERT INTO summary_attempts (
			client_id, ref_sequence_number, attempt_index,
			trigger_kind, outcome, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := s.txExec.ExecTx(ctx, db.WriteTxOption(), func(tx sqlTx) error {
		_, err := tx.ExecContext(
			ctx, q, rec.ClientID, rec.RefSequenceNumber,
			rec.AttemptIndex, rec.TriggerKind, rec.Outcome,
			rec.StartedAt, rec.FinishedAt,
		)
		return err
	})
	if err != nil {
		return db.MapSQLError(err)
	}

	return nil
}

// LatestSummary returns the most recently acked summary for clientID, or
// (nil, nil) if none has been recorded yet.
func (s *Store) LatestSummary(
	ctx context.Context, clientID string,
) (*SummaryRecord, error) {

	const q = `
		SELECT client_id, handle, ref_sequence_number,
			summary_sequence_number, acked_at
		FROM summaries
		WHERE client_id = ?
		ORDER BY summary_sequence_number DESC
		LIMIT 1
	`

	row := s.QueryRowContext(ctx, q, clientID)

	var rec SummaryRecord
	err := row.Scan(
		&rec.ClientID, &rec.Handle, &rec.RefSequenceNumber,
		&rec.SummarySequenceNumber, &rec.AckedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	return &rec, nil
}

// RecentAttempts returns the most recent attempts for clientID, newest
// first, bounded by limit.
func (s *Store) RecentAttempts(
	ctx context.Context, clientID string, limit int,
) ([]AttemptRecord, error) {

	const q = `
		SELECT client_id, ref_sequence_number, attempt_index,
			trigger_kind, outcome, started_at, finished_at
		FROM summary_attempts
		WHERE client_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.QueryContext(ctx, q, clientID, limit)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		if err := rows.Scan(
			&rec.ClientID, &rec.RefSequenceNumber, &rec.AttemptIndex,
			&rec.TriggerKind, &rec.Outcome, &rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, db.MapSQLError(err)
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}
