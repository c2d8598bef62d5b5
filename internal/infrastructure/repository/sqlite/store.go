package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// maxParams bounds IN (...) lists well below SQLite's host parameter limit.
const maxParams = 500

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMP,
	content_hash TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	content_hash TEXT NOT NULL,
	seq INTEGER NOT NULL,
	span_start INTEGER NOT NULL,
	span_end INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	text TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, seq);
`

// Store is a single-file side store for local runs. It serves both the
// document and the chunk repository contracts.
type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "./data/statsrag.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; WAL keeps readers concurrent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.path }

const documentColumns = `id, source_url, title, category, fetched_at, content_hash, storage_path, status, error_message, created_at, updated_at`

func (s *Store) Upsert(ctx context.Context, doc *domain.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url,
			title = excluded.title,
			category = excluded.category,
			fetched_at = excluded.fetched_at,
			content_hash = excluded.content_hash,
			storage_path = excluded.storage_path,
			status = excluded.status,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, doc.ID, doc.SourceURL, doc.Title, doc.Category, nullTime(doc.FetchedAt), doc.ContentHash,
		doc.StoragePath, string(doc.Status), doc.Error, doc.CreatedAt.UTC(), doc.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, string(status), errMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document status", fmt.Errorf("id=%s", id))
	}
	return nil
}

func (s *Store) SaveChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, content_hash, seq, span_start, span_end, token_count, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			token_count = excluded.token_count,
			text = excluded.text
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

func (s *Store) DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, content_hash, seq, span_start, span_end, token_count, text
		FROM chunks WHERE document_id = ?
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

func (s *Store) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, batch := range batches(ids) {
		query := `DELETE FROM chunks WHERE id IN (` + placeholders(len(batch)) + `)`
		if _, err := tx.ExecContext(ctx, query, toArgs(batch)...); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (s *Store) Hydrate(ctx context.Context, ids []string) (map[string]domain.RetrievedChunk, error) {
	out := make(map[string]domain.RetrievedChunk, len(ids))
	for _, batch := range batches(ids) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT c.id, c.document_id, c.seq, c.span_start, c.span_end, c.text, d.title, d.source_url, d.category
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE c.id IN (`+placeholders(len(batch))+`)
		`, toArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("hydrate chunks: %w", err)
		}
		for rows.Next() {
			var c domain.RetrievedChunk
			if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Sequence, &c.Span.Start, &c.Span.End,
				&c.Text, &c.Title, &c.SourceURL, &c.Category); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan hydrated chunk: %w", err)
			}
			out[c.ChunkID] = c
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate hydrated chunks: %w", err)
		}
	}
	return out, nil
}

func (s *Store) ChunkIDsByCategory(ctx context.Context, category string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.category = ? COLLATE NOCASE
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

func (s *Store) Stats(ctx context.Context, topN int) (domain.CorpusStats, error) {
	var stats domain.CorpusStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.Documents); err != nil {
		return stats, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&stats.Chunks); err != nil {
		return stats, fmt.Errorf("count chunks: %w", err)
	}
	if topN <= 0 {
		return stats, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, COUNT(c.id) AS n
		FROM documents d JOIN chunks c ON c.document_id = d.id
		GROUP BY d.id, d.title
		ORDER BY n DESC, d.id
		LIMIT ?
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var status string
	var fetchedAt sql.NullTime
	if err := row.Scan(
		&doc.ID, &doc.SourceURL, &doc.Title, &doc.Category, &fetchedAt, &doc.ContentHash,
		&doc.StoragePath, &status, &doc.Error, &doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if fetchedAt.Valid {
		doc.FetchedAt = fetchedAt.Time
	}
	doc.Status = domain.DocumentStatus(status)
	return &doc, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func batches(ids []string) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += maxParams {
		out = append(out, ids[start:min(start+maxParams, len(ids))])
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
