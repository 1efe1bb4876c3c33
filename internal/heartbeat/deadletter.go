package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresDeadLetterSink records an unwritable batch into a separate
// `heartbeats_dlq` table so at-least-once delivery is preserved without an
// unbounded redelivery loop; a human or replay job drains it later.
type PostgresDeadLetterSink struct {
	db *sql.DB
}

func NewPostgresDeadLetterSink(db *sql.DB) *PostgresDeadLetterSink {
	return &PostgresDeadLetterSink{db: db}
}

func (s *PostgresDeadLetterSink) Write(ctx context.Context, records []Record, cause error) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("heartbeat: dlq begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO heartbeats_dlq (worker_id, seen_at, cause)
		VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("heartbeat: dlq prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.WorkerID.String(), r.SeenAt, cause.Error()); err != nil {
			return fmt.Errorf("heartbeat: dlq insert for %s: %w", r.WorkerID.String(), err)
		}
	}
	return tx.Commit()
}

var _ DeadLetterSink = (*PostgresDeadLetterSink)(nil)
