// Package db is the optional wallet event journal: every transaction the
// monitor processes, and every auto-freeze, can be persisted to PostgreSQL
// for later inspection. The wallet itself never depends on this store.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/coinjoin-wallet/pkg/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("Successfully connected to PostgreSQL for wallet event journal")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wallet_events (
	id            UUID PRIMARY KEY,
	txid          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	confirmations BIGINT NOT NULL DEFAULT 0,
	block_height  BIGINT NOT NULL DEFAULT 0,
	removed       JSONB,
	added         JSONB,
	observed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS wallet_events_txid_idx ON wallet_events (txid);
CREATE INDEX IF NOT EXISTS wallet_events_observed_idx ON wallet_events (observed_at DESC);
`

// InitSchema creates the journal tables if they do not exist.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("Wallet event journal schema initialized")
	return nil
}

// SaveWalletEvent persists one monitor observation.
func (s *PostgresStore) SaveWalletEvent(ctx context.Context, ev models.WalletEvent) error {
	removed, err := json.Marshal(ev.Removed)
	if err != nil {
		return err
	}
	added, err := json.Marshal(ev.Added)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO wallet_events (id, txid, kind, confirmations, block_height, removed, added)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, ev.ID, ev.Txid, ev.Kind, ev.Confirmations, ev.BlockHeight, removed, added)
	if err != nil {
		return fmt.Errorf("failed to insert wallet event: %v", err)
	}
	return nil
}

// RecentEvents returns the latest journal rows, newest first.
func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]models.WalletEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT id, txid, kind, confirmations, block_height, removed, added,
		       EXTRACT(EPOCH FROM observed_at)::BIGINT
		FROM wallet_events
		ORDER BY observed_at DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.WalletEvent
	for rows.Next() {
		var ev models.WalletEvent
		var removed, added []byte
		if err := rows.Scan(&ev.ID, &ev.Txid, &ev.Kind, &ev.Confirmations,
			&ev.BlockHeight, &removed, &added, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(removed) > 0 {
			if err := json.Unmarshal(removed, &ev.Removed); err != nil {
				return nil, err
			}
		}
		if len(added) > 0 {
			if err := json.Unmarshal(added, &ev.Added); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
