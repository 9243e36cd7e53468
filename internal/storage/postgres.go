package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pruvlabs/xychain/pkg/xychain"
)

// PostgresStore persists chains to PostgreSQL, one row per entry.
// Entry rows are append-only; Save never rewrites an existing row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given
// connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the chain tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chains (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chain_entries (
			chain_id   TEXT    NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
			idx        INTEGER NOT NULL,
			action     TEXT    NOT NULL,
			x_state    JSONB   NOT NULL,
			y_state    JSONB   NOT NULL,
			ts_nanos   BIGINT  NOT NULL,
			prev_proof TEXT    NOT NULL,
			proof      TEXT    NOT NULL,
			signature  BYTEA,
			key_id     TEXT,
			PRIMARY KEY (chain_id, idx)
		)`)
	if err != nil {
		return fmt.Errorf("migrate chain tables: %w", err)
	}
	return nil
}

// advisoryKey derives a stable per-chain advisory lock key, so
// concurrent Saves of the same chain serialise without blocking
// unrelated chains.
func advisoryKey(chainID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(chainID))
	return int64(h.Sum64())
}

// Save implements Store. New entries beyond the stored tail are
// inserted inside a transaction holding the chain's advisory lock.
func (s *PostgresStore) Save(ctx context.Context, c *xychain.Chain) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(c.ID())); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chains (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		c.ID(), c.Name(),
	); err != nil {
		return fmt.Errorf("upsert chain %s: %w", c.ID(), err)
	}

	var stored int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM chain_entries WHERE chain_id = $1", c.ID(),
	).Scan(&stored); err != nil {
		return fmt.Errorf("count stored entries: %w", err)
	}

	entries := c.Entries()
	for i := stored; i < len(entries); i++ {
		e := entries[i]
		xJSON, err := json.Marshal(e.XState)
		if err != nil {
			return fmt.Errorf("marshal x_state of entry %d: %w", e.Index, err)
		}
		yJSON, err := json.Marshal(e.YState)
		if err != nil {
			return fmt.Errorf("marshal y_state of entry %d: %w", e.Index, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chain_entries
			   (chain_id, idx, action, x_state, y_state, ts_nanos, prev_proof, proof, signature, key_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID(), e.Index, e.Action, xJSON, yJSON,
			e.Timestamp.UTC().UnixNano(), e.PrevProof, e.Proof,
			e.Signature, e.KeyID,
		); err != nil {
			return fmt.Errorf("insert entry %d: %w", e.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chain save: %w", err)
	}

	if len(entries) > stored {
		s.logger.Debug("chain entries persisted",
			zap.String("chain_id", c.ID()),
			zap.Int("new_entries", len(entries)-stored),
		)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, chainID string) (*xychain.Chain, error) {
	var name string
	if err := s.pool.QueryRow(ctx,
		"SELECT name FROM chains WHERE id = $1", chainID,
	).Scan(&name); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, chainID)
		}
		return nil, fmt.Errorf("load chain %s: %w", chainID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT idx, action, x_state, y_state, ts_nanos, prev_proof, proof, signature, key_id
		 FROM chain_entries WHERE chain_id = $1 ORDER BY idx ASC`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries of %s: %w", chainID, err)
	}
	defer rows.Close()

	var entries []*xychain.Entry
	for rows.Next() {
		var (
			e            xychain.Entry
			xJSON, yJSON []byte
			tsNanos      int64
			keyID        *string
		)
		if err := rows.Scan(
			&e.Index, &e.Action, &xJSON, &yJSON,
			&tsNanos, &e.PrevProof, &e.Proof, &e.Signature, &keyID,
		); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		if err := json.Unmarshal(xJSON, &e.XState); err != nil {
			return nil, fmt.Errorf("parse x_state of entry %d: %w", e.Index, err)
		}
		if err := json.Unmarshal(yJSON, &e.YState); err != nil {
			return nil, fmt.Errorf("parse y_state of entry %d: %w", e.Index, err)
		}
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		if keyID != nil {
			e.KeyID = *keyID
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows: %w", err)
	}

	return xychain.FromEntries(chainID, name, entries), nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]ChainInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, COUNT(e.idx)
		 FROM chains c LEFT JOIN chain_entries e ON e.chain_id = c.id
		 GROUP BY c.id, c.name ORDER BY c.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var infos []ChainInfo
	for rows.Next() {
		var info ChainInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Length); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, chainID string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM chains WHERE id = $1", chainID)
	if err != nil {
		return fmt.Errorf("delete chain %s: %w", chainID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, chainID)
	}
	return nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, chainID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM chains WHERE id = $1", chainID,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check chain %s: %w", chainID, err)
	}
	return true, nil
}
