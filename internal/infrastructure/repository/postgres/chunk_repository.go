package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// ChunkRepository is the chunk side store. Index entries only carry chunk
// ids; text and citation metadata are hydrated from here.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) SaveChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (id, document_id, content_hash, seq, span_start, span_end, token_count, text)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	seq = EXCLUDED.seq,
	token_count = EXCLUDED.token_count,
	text = EXCLUDED.text
`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.ContentHash, c.Sequence,
			c.Span.Start, c.Span.End, c.TokenCount, c.Text); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, content_hash, seq, span_start, span_end, token_count, text
FROM chunks
WHERE document_id = $1
ORDER BY seq, id
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query document chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ContentHash, &c.Sequence,
			&c.Span.Start, &c.Span.End, &c.TokenCount, &c.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (r *ChunkRepository) Hydrate(ctx context.Context, ids []string) (map[string]domain.RetrievedChunk, error) {
	out := make(map[string]domain.RetrievedChunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT c.id, c.document_id, c.seq, c.span_start, c.span_end, c.text, d.title, d.source_url, d.category
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.id = ANY($1)
`, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c domain.RetrievedChunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Sequence, &c.Span.Start, &c.Span.End,
			&c.Text, &c.Title, &c.SourceURL, &c.Category); err != nil {
			return nil, fmt.Errorf("scan hydrated chunk: %w", err)
		}
		out[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hydrated chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) ChunkIDsByCategory(ctx context.Context, category string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT c.id
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE lower(d.category) = lower($1)
`, category)
	if err != nil {
		return nil, fmt.Errorf("query category chunks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan category chunk: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) Stats(ctx context.Context, topN int) (domain.CorpusStats, error) {
	var stats domain.CorpusStats
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.Documents); err != nil {
		return stats, fmt.Errorf("count documents: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&stats.Chunks); err != nil {
		return stats, fmt.Errorf("count chunks: %w", err)
	}
	if topN <= 0 {
		return stats, nil
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT d.id, d.title, COUNT(c.id) AS n
FROM documents d
JOIN chunks c ON c.document_id = d.id
GROUP BY d.id, d.title
ORDER BY n DESC, d.id
LIMIT $1
`, topN)
	if err != nil {
		return stats, fmt.Errorf("query top documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row domain.DocumentChunkCount
		if err := rows.Scan(&row.DocumentID, &row.Title, &row.Chunks); err != nil {
			return stats, fmt.Errorf("scan top document: %w", err)
		}
		stats.TopDocuments = append(stats.TopDocuments, row)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate top documents: %w", err)
	}
	return stats, nil
}
