package heartbeat

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore writes heartbeat batches to a `heartbeats` table in a
// single transaction, per §4.4 and §6.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (but does not yet connect to) a Postgres pool at
// databaseURL.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: open postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("heartbeat: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO heartbeats
			(worker_id, usage_pct, mem_pct, power_w, temp_c, net_rx_bps, net_tx_bps, monotonic_ts, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("heartbeat: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.WorkerID.String(), r.Sample.UsagePct, r.Sample.MemPct, r.Sample.PowerW,
			r.Sample.TempC, r.Sample.NetRxBps, r.Sample.NetTxBps, r.Sample.MonotonicTS, r.SeenAt)
		if err != nil {
			return fmt.Errorf("heartbeat: insert record for %s: %w", r.WorkerID.String(), err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

var _ Store = (*PostgresStore)(nil)
