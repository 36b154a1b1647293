// Package archive is the Postgres-backed durability layer behind the
// outbox's dead-letter queue and the ruleset artifact manifest history.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/cardfraud-engine/pkg/models"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("[Archive] connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS outbox_dead_letters (
	id BIGSERIAL PRIMARY KEY,
	stream_key TEXT NOT NULL,
	entry_id TEXT NOT NULL,
	transaction_id TEXT,
	payload JSONB NOT NULL,
	reason TEXT NOT NULL,
	dead_lettered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ruleset_manifests (
	country TEXT NOT NULL,
	key TEXT NOT NULL,
	version INT NOT NULL,
	artifact_uri TEXT NOT NULL,
	checksum TEXT NOT NULL,
	schema_version INT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (country, key, version)
);
`

// InitSchema creates the archive tables if they do not already exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[Archive] schema initialized")
	return nil
}

// Store persists a decision event that exhausted outbox retry budget
// (implements outbox.DeadLetterSink, §6.4).
func (s *Store) Store(ctx context.Context, streamKey, entryID string, event models.DecisionEvent, lastErr string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("archive: marshal dead-letter payload: %w", err)
	}
	const sql = `
		INSERT INTO outbox_dead_letters (stream_key, entry_id, transaction_id, payload, reason)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.pool.Exec(ctx, sql, streamKey, entryID, event.TransactionID, payload, lastErr)
	return err
}

// DeadLetter is a persisted dead-lettered decision event.
type DeadLetter struct {
	ID             int64
	StreamKey      string
	EntryID        string
	TransactionID  string
	Reason         string
}

// ListDeadLetters returns dead-lettered events, most recent first, paginated.
func (s *Store) ListDeadLetters(ctx context.Context, page, limit int) ([]DeadLetter, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dead_letters`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_key, entry_id, transaction_id, reason
		FROM outbox_dead_letters
		ORDER BY dead_lettered_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.StreamKey, &d.EntryID, &d.TransactionID, &d.Reason); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	if out == nil {
		out = []DeadLetter{}
	}
	return out, total, nil
}

// RecordManifest appends a manifest version to the artifact history,
// giving the loader an auditable trail of every ruleset version the
// engine ever installed (§6.2).
func (s *Store) RecordManifest(ctx context.Context, country, key string, m models.ArtifactManifest) error {
	const sql = `
		INSERT INTO ruleset_manifests (country, key, version, artifact_uri, checksum, schema_version, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (country, key, version) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, sql, country, key, m.Version, m.ArtifactURI, m.Checksum, m.SchemaVersion, m.PublishedAt)
	return err
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
