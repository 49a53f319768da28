package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/memory"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db  *sql.DB
	dsn string
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dataSourceName+sep+"_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, dsn: dataSourceName}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Location describes where a session was written.
func (s *SQLiteStore) Location(sessionID string) string {
	return fmt.Sprintf("%s#sessions/%s", s.dsn, sessionID)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        created_at DATETIME NOT NULL,
        saved_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS turns (
        id TEXT PRIMARY KEY, -- UUID
        session_id TEXT NOT NULL,
        position INTEGER NOT NULL,
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        sources_json TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, position);

    CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY,
        filename TEXT NOT NULL,
        size INTEGER NOT NULL,
        pages INTEGER NOT NULL,
        chunks INTEGER NOT NULL,
        ingested_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS index_schema (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        provider TEXT NOT NULL,
        dimension INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS index_entries (
        chunk_id TEXT PRIMARY KEY,
        seq INTEGER NOT NULL,
        document_id TEXT NOT NULL,
        embedding_json TEXT NOT NULL, -- JSON array of float32
        metadata_json TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Session methods

// SaveSession replaces the stored turns of a session, creating it if needed.
func (s *SQLiteStore) SaveSession(ctx context.Context, sessionID string, createdAt time.Time, turns []memory.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (id, created_at, saved_at) VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at`, sessionID, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to clear session turns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO turns (id, session_id, position, question, answer, sources_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range turns {
		sources, err := json.Marshal(t.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources for turn %s: %w", t.ID, err)
		}
		if _, err = stmt.ExecContext(ctx, t.ID, sessionID, i, t.Question, t.Answer, string(sources), t.CreatedAt); err != nil {
			return fmt.Errorf("failed to execute turn insert: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSession returns the stored turns of a session, oldest first.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*Session, []memory.Turn, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, "SELECT id, created_at, saved_at FROM sessions WHERE id = ?", sessionID).
		Scan(&sess.ID, &sess.CreatedAt, &sess.SavedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, question, answer, sources_json, created_at FROM turns WHERE session_id = ? ORDER BY position ASC", sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []memory.Turn
	for rows.Next() {
		var t memory.Turn
		var sources string
		if err := rows.Scan(&t.ID, &t.Question, &t.Answer, &sources, &t.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			log.Warn().Err(err).Str("turn", t.ID).Msg("Failed to unmarshal turn sources, dropping them")
			t.Sources = nil
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return &sess, turns, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Document methods

func (s *SQLiteStore) SaveDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents (id, filename, size, pages, chunks, ingested_at) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET filename = excluded.filename, size = excluded.size, pages = excluded.pages,
        chunks = excluded.chunks, ingested_at = excluded.ingested_at`,
		doc.ID, doc.Filename, doc.Size, doc.Pages, doc.Chunks, doc.IngestedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, filename, size, pages, chunks, ingested_at FROM documents ORDER BY ingested_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Filename, &d.Size, &d.Pages, &d.Chunks, &d.IngestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) DeleteDocuments(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Index persistence

func (s *SQLiteStore) LoadSchema(ctx context.Context) (*index.Schema, error) {
	var schema index.Schema
	err := s.db.QueryRowContext(ctx, "SELECT provider, dimension FROM index_schema WHERE id = 1").Scan(&schema.Provider, &schema.Dimension)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query index schema: %w", err)
	}
	return &schema, nil
}

func (s *SQLiteStore) SaveSchema(ctx context.Context, schema index.Schema) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO index_schema (id, provider, dimension) VALUES (1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET provider = excluded.provider, dimension = excluded.dimension`,
		schema.Provider, schema.Dimension)
	if err != nil {
		return fmt.Errorf("failed to save index schema: %w", err)
	}
	return nil
}

// SaveEntries upserts entries in one transaction. A replaced entry keeps its seq.
func (s *SQLiteStore) SaveEntries(ctx context.Context, entries []index.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO index_entries (chunk_id, seq, document_id, embedding_json, metadata_json) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(chunk_id) DO UPDATE SET document_id = excluded.document_id,
        embedding_json = excluded.embedding_json, metadata_json = excluded.metadata_json`)
	if err != nil {
		return fmt.Errorf("failed to prepare index entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		embeddingBytes, err := json.Marshal(e.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		metadataBytes, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, e.ChunkID, e.Seq, e.Metadata.DocumentID, string(embeddingBytes), string(metadataBytes)); err != nil {
			return fmt.Errorf("failed to execute index entry insert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadEntries(ctx context.Context) ([]index.Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_id, seq, embedding_json, metadata_json FROM index_entries ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query index entries: %w", err)
	}
	defer rows.Close()

	var entries []index.Entry
	for rows.Next() {
		var e index.Entry
		var embeddingJSON, metadataJSON string
		if err := rows.Scan(&e.ChunkID, &e.Seq, &embeddingJSON, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan index entry row: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &e.Vector); err != nil {
			return nil, fmt.Errorf("corrupt embedding for chunk %s: %w", e.ChunkID, err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for chunk %s: %w", e.ChunkID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteAllEntries removes every index entry and the index schema.
func (s *SQLiteStore) DeleteAllEntries(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index clear: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, "DELETE FROM index_entries"); err != nil {
		return fmt.Errorf("failed to delete index entries: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM index_schema"); err != nil {
		return fmt.Errorf("failed to delete index schema: %w", err)
	}
	return tx.Commit()
}

var _ index.Persister = (*SQLiteStore)(nil)
