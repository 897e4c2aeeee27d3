// Package state records chunk-download progress in a sqlite database for
// introspection only — the tunnel writes progress rows synchronously while
// it streams a download and ignores any write error, and rangeproxyctl's
// status/tui subcommands read it. A missing or corrupt state.db degrades
// to "no introspection data."
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/sqlite"

	"rangeproxy/internal/config"
)

type DB struct {
	SQL  *sql.DB
	Path string
}

// Open creates or reuses <data_root>/state.db and ensures its schema exists.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if cfg.General.DataRoot == "" {
		return nil, errors.New("general.data_root required")
	}
	if err := os.MkdirAll(cfg.General.DataRoot, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.General.DataRoot, "state.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000&_fk=1", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := initSchema(sqldb); err != nil {
		return nil, err
	}
	return &DB{SQL: sqldb, Path: path}, nil
}

// OpenInMemory opens a throwaway in-memory database with the same schema,
// for tests that exercise state without touching disk.
func OpenInMemory() (*DB, error) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	if err := initSchema(sqldb); err != nil {
		return nil, err
	}
	return &DB{SQL: sqldb}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache_key TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			total_size INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cache_key TEXT NOT NULL,
			idx INTEGER NOT NULL,
			start INTEGER NOT NULL,
			end INTEGER NOT NULL,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(cache_key, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_cache_key ON chunks(cache_key);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// DownloadStatus values recorded against a downloads row.
const (
	StatusActive   = "active"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

type DownloadRow struct {
	CacheKey   string
	URL        string
	Host       string
	TotalSize  int64
	ChunkCount int
	Status     string
}

// UpsertDownload records the start (or restart) of a chunked download.
func (db *DB) UpsertDownload(row DownloadRow) error {
	now := time.Now().Unix()
	_, err := db.SQL.Exec(`INSERT INTO downloads(cache_key, url, host, total_size, chunk_count, status, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(cache_key) DO UPDATE SET url=excluded.url, host=excluded.host, total_size=excluded.total_size,
			chunk_count=excluded.chunk_count, status=excluded.status, updated_at=excluded.updated_at`,
		row.CacheKey, row.URL, row.Host, row.TotalSize, row.ChunkCount, row.Status, now, now)
	return err
}

// SetDownloadStatus updates a download's terminal or in-flight status.
func (db *DB) SetDownloadStatus(cacheKey, status string) error {
	_, err := db.SQL.Exec(`UPDATE downloads SET status=?, updated_at=? WHERE cache_key=?`,
		status, time.Now().Unix(), cacheKey)
	return err
}

// DownloadSummary is one row of the rangeproxyctl status/tui view: a
// download's progress expressed as completed/total chunks.
type DownloadSummary struct {
	CacheKey        string
	URL             string
	Host            string
	TotalSize       int64
	ChunkCount      int
	CompletedChunks int
	Status          string
	UpdatedAt       int64
}

// ListActiveDownloads returns all non-terminal downloads joined with their
// chunk completion counts, most recently updated first.
func (db *DB) ListActiveDownloads() ([]DownloadSummary, error) {
	rows, err := db.SQL.Query(`
		SELECT d.cache_key, d.url, d.host, d.total_size, d.chunk_count, d.status, d.updated_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.cache_key = d.cache_key AND c.status = 'complete')
		FROM downloads d
		WHERE d.status = ?
		ORDER BY d.updated_at DESC`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DownloadSummary
	for rows.Next() {
		var s DownloadSummary
		if err := rows.Scan(&s.CacheKey, &s.URL, &s.Host, &s.TotalSize, &s.ChunkCount, &s.Status, &s.UpdatedAt, &s.CompletedChunks); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) Close() error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}
