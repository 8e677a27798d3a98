package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_results (
	id                   UUID PRIMARY KEY,
	session_id           TEXT NOT NULL,
	bot_id               TEXT NOT NULL,
	artifact_kind        TEXT NOT NULL,
	file_name            TEXT NOT NULL,
	size                 BIGINT NOT NULL,
	file_id              TEXT NOT NULL,
	vector_store_id      TEXT NOT NULL,
	vector_store_file_id TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ingestion_results_session_idx ON ingestion_results (session_id, created_at);
`

type postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn with lib/pq and creates the ingestion table if needed.
func NewPostgres(ctx context.Context, dsn string) (Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &postgres{db: db}, nil
}

func (p *postgres) SaveIngestion(ctx context.Context, r *entity.IngestionResult) error {
	log := logger.FromContext(ctx)

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ingestion_results
			(id, session_id, bot_id, artifact_kind, file_name, size, file_id, vector_store_id, vector_store_file_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.SessionID, r.BotID, string(r.ArtifactKind), r.FileName, r.Size,
		r.FileID, r.VectorStoreID, r.VectorStoreFileID, r.CreatedAt,
	)
	if err != nil {
		log.Error("failed to save ingestion result", "error", err)
		return fmt.Errorf("failed to save ingestion result: %w", err)
	}
	return nil
}

func (p *postgres) ListIngestions(ctx context.Context, sessionID string) ([]*entity.IngestionResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, bot_id, artifact_kind, file_name, size, file_id, vector_store_id, vector_store_file_id, created_at
		FROM ingestion_results
		WHERE session_id = $1
		ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion results: %w", err)
	}
	defer rows.Close()

	var out []*entity.IngestionResult
	for rows.Next() {
		var (
			r    entity.IngestionResult
			kind string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.BotID, &kind, &r.FileName, &r.Size,
			&r.FileID, &r.VectorStoreID, &r.VectorStoreFileID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion result: %w", err)
		}
		r.ArtifactKind = entity.ArtifactKind(kind)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *postgres) Close() error {
	return p.db.Close()
}
