// Package analytics maintains the indexed derived-fact store built from
// the event stream. Exactly one writer connection mutates the tables;
// readers use a read-only pool so queries never block ingestion.
package analytics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/subagent/subagent/internal/common/logger"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside the single writer.
	defaultReaderConns = 4
)

// ErrIngest indicates the analytics writer could not commit a batch.
var ErrIngest = errors.New("analytics ingest error")

// Store owns the analytics database file.
type Store struct {
	db  *sqlx.DB // writer, single connection
	ro  *sqlx.DB // read-only pool
	log *logger.Logger
}

// Open opens (creating if needed) the analytics store at dbPath.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	normalizedPath := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	ro, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	ro.SetMaxOpenConns(defaultReaderConns)
	ro.SetMaxIdleConns(defaultReaderConns)

	s := &Store{db: db, ro: ro, log: log.WithComponent("analytics")}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`PRAGMA optimize`)
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
