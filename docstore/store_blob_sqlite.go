package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBlobStore keeps every document in a single SQLite table.
//
// Tables:
//
//	blobs(path, content, version, updated_at)  PRIMARY KEY (path)
type SQLiteBlobStore struct {
	db *sql.DB
}

// NewSQLiteBlobStore opens (creating if needed) the database at dbPath.
func NewSQLiteBlobStore(dbPath string) (*SQLiteBlobStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection serialises writers; sqlite would otherwise return SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		path TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		version TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteBlobStore{db: db}, nil
}

func (s *SQLiteBlobStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteBlobStore) Get(ctx context.Context, path string) (*Document, error) {
	path = normalizeKey(path)
	doc := &Document{Path: path}
	err := s.db.QueryRowContext(ctx,
		"SELECT content, version FROM blobs WHERE path = ?", path,
	).Scan(&doc.Content, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return doc, nil
}

func (s *SQLiteBlobStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	path = normalizeKey(path)
	version := uuid.NewString()
	now := time.Now().UTC()

	if expectedVersion == "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO blobs (path, content, version, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET content = excluded.content, version = excluded.version, updated_at = excluded.updated_at`,
			path, content, version, now,
		)
		if err != nil {
			return "", fmt.Errorf("put %s: %w", path, err)
		}
		return version, nil
	}

	query := "UPDATE blobs SET content = ?, version = ?, updated_at = ? WHERE path = ? AND version = ?"
	args := []any{content, version, now, path, expectedVersion}
	if expectedVersion == CreateOnly {
		query = "INSERT INTO blobs (path, content, version, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(path) DO NOTHING"
		args = []any{path, content, version, now}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrConflict, path)
	}
	return version, nil
}

func (s *SQLiteBlobStore) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	prefix = normalizeKey(prefix)
	query := "SELECT path FROM blobs"
	var args []any
	if prefix != "" {
		query += ` WHERE path LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix+"/")+"%")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return immediateChildren(prefix, keys), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
