package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ha1tch/pgshift/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS translations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id      TEXT    NOT NULL DEFAULT '',
	report_id       TEXT    NOT NULL DEFAULT '',
	report_name     TEXT    NOT NULL DEFAULT '',
	source          TEXT    NOT NULL DEFAULT '',
	original        TEXT    NOT NULL,
	translated      TEXT    NOT NULL,
	mapping_version INTEGER NOT NULL DEFAULT 0,
	duration_us     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_translations_report ON translations(report_id);
`

const selectColumns = `id, request_id, report_id, report_name, source, original, translated,
	mapping_version, duration_us, created_at`

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to database file. Use ":memory:" for in-memory database.
	Path string

	MaxOpenConns int
	MaxIdleConns int

	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string // OFF, NORMAL, FULL, EXTRA
	BusyTimeout int    // Milliseconds
}

// DefaultSQLiteConfig returns sensible defaults for SQLite.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:         ":memory:",
		MaxOpenConns: 1, // SQLite prefers single writer
		MaxIdleConns: 1,
		JournalMode:  "WAL",
		Synchronous:  "NORMAL",
		BusyTimeout:  5000,
	}
}

// DSN builds the go-sqlite3 connection string.
func (c SQLiteConfig) DSN() string {
	opts := []string{}
	if c.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" {
		opts = append(opts, fmt.Sprintf("_journal_mode=%s", c.JournalMode))
	}
	if c.Synchronous != "" {
		opts = append(opts, fmt.Sprintf("_synchronous=%s", c.Synchronous))
	}
	if len(opts) == 0 {
		return c.Path
	}
	return c.Path + "?" + strings.Join(opts, "&")
}

// SQLiteHistory stores history in a SQLite database.
type SQLiteHistory struct {
	db   *sql.DB
	path string
}

// NewSQLiteHistory opens the database and creates the schema.
func NewSQLiteHistory(cfg SQLiteConfig) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageConnect, "open SQLite database").
			WithField("path", cfg.Path).
			Err()
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	// An in-memory database lives only as long as its connection.
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeStorageConnect, "ping SQLite database").
			WithField("path", cfg.Path).
			Err()
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeStorageExec, "create history schema").Err()
	}

	return &SQLiteHistory{db: db, path: cfg.Path}, nil
}

// NewInMemorySQLiteHistory creates an in-memory SQLite history.
func NewInMemorySQLiteHistory() (*SQLiteHistory, error) {
	return NewSQLiteHistory(DefaultSQLiteConfig())
}

// Record stores e.
func (s *SQLiteHistory) Record(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO translations (request_id, report_id, report_name, source, original,
			translated, mapping_version, duration_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.ReportID, e.ReportName, e.Source, e.Original,
		e.Translated, e.MappingVersion, e.Duration.Microseconds(), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageExec, "insert translation").
			WithOp("SQLiteHistory.Record").
			Err()
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageExec, "read inserted id").Err()
	}
	e.ID = id
	return nil
}

// Get returns the entry with the given ID.
func (s *SQLiteHistory) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM translations WHERE id = ?`, id)
	e, err := scanEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("translation", itoa(id)).Err()
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageQuery, "query translation").
			WithOp("SQLiteHistory.Get").
			Err()
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteHistory) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM translations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageQuery, "query recent translations").
			WithOp("SQLiteHistory.Recent").
			Err()
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageQuery, "scan translation").Err()
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageQuery, "iterate translations").Err()
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *SQLiteHistory) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM translations`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageQuery, "count translations").Err()
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var durationUS, createdNS int64
	err := row.Scan(&e.ID, &e.RequestID, &e.ReportID, &e.ReportName, &e.Source,
		&e.Original, &e.Translated, &e.MappingVersion, &durationUS, &createdNS)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationUS) * time.Microsecond
	e.CreatedAt = time.Unix(0, createdNS)
	return &e, nil
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
