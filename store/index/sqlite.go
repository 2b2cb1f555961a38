package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	artifactcache "github.com/wolfeidau/artifact-cache"
)

const sqliteSchema = `
CREATE TABLE entries (
	key         BLOB PRIMARY KEY,
	hash        BLOB NOT NULL,
	size        INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	last_access INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX entries_by_access ON entries (last_access, key);
`

// SQLiteIndex implements Index on SQLite in WAL mode, which lets readers
// proceed while a single writer commits.
type SQLiteIndex struct {
	db *sql.DB
	options

	closeOnce sync.Once
	closeErr  error
}

// NewSQLiteIndex creates a new SQLiteIndex instance with options.
func NewSQLiteIndex(opts ...Option) *SQLiteIndex {
	return &SQLiteIndex{options: newOptions(opts)}
}

// Open opens or creates the database at the given path.
func (s *SQLiteIndex) Open(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	synchronous := "NORMAL"
	if s.noSync {
		synchronous = "OFF"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=%s&_foreign_keys=off", path, synchronous)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.initialize(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	s.logger.Debug("opened entries index", "engine", EngineSQLite, "path", path)
	return nil
}

func (s *SQLiteIndex) initialize() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading format version: %w", err)
	}

	var tables int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'").Scan(&tables); err != nil {
		return fmt.Errorf("inspecting schema: %w", err)
	}

	switch {
	case version == FormatVersion:
		return nil
	case version == 0 && tables == 0:
	case version == 0:
		return fmt.Errorf("%w: database has foreign tables", ErrIncompatibleFormat)
	default:
		return fmt.Errorf("%w: found version %d, want %d", ErrIncompatibleFormat, version, FormatVersion)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", FormatVersion)); err != nil {
		return fmt.Errorf("writing format version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	if s.db == nil {
		return nil
	}
	// db stays set so late callers get the engine's closed error.
	s.closeOnce.Do(func() {
		s.logger.Debug("closing entries index", "engine", EngineSQLite)
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Lookup returns the entry for key and synchronously records the access.
func (s *SQLiteIndex) Lookup(ctx context.Context, key []byte) (*Entry, error) {
	e, err := s.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.Touch(ctx, map[string]time.Time{string(key): now}); err != nil {
		s.logger.Warn("recording access failed", "error", err)
		return e, nil
	}
	e.LastAccess = now
	return e, nil
}

// Peek returns the entry for key.
func (s *SQLiteIndex) Peek(ctx context.Context, key []byte) (*Entry, error) {
	start := time.Now()
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT hash, size, created_at, last_access FROM entries WHERE key = ?`, key))
	observe(ctx, EngineSQLite, "peek", start, err)
	return e, err
}

// Insert stores the entry, replacing and returning any previous one.
func (s *SQLiteIndex) Insert(ctx context.Context, key []byte, e Entry) (*Entry, error) {
	start := time.Now()
	previous, err := s.insert(ctx, key, e)
	observe(ctx, EngineSQLite, "insert", start, err)
	return previous, err
}

func (s *SQLiteIndex) insert(ctx context.Context, key []byte, e Entry) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	previous, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT hash, size, created_at, last_access FROM entries WHERE key = ?`, key))
	if err != nil && !errors.Is(err, ErrMiss) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (key, hash, size, created_at, last_access) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			hash = excluded.hash,
			size = excluded.size,
			created_at = excluded.created_at,
			last_access = excluded.last_access`,
		key, e.Hash[:], e.Size, e.CreatedAt.UnixNano(), e.LastAccess.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("putting entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing insert: %w", err)
	}
	return previous, nil
}

// Remove deletes and returns the entry for key.
func (s *SQLiteIndex) Remove(ctx context.Context, key []byte) (*Entry, error) {
	start := time.Now()
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`DELETE FROM entries WHERE key = ? RETURNING hash, size, created_at, last_access`, key))
	observe(ctx, EngineSQLite, "remove", start, err)
	return e, err
}

// Touch advances access times in a single transaction.
func (s *SQLiteIndex) Touch(ctx context.Context, touches map[string]time.Time) error {
	if len(touches) == 0 {
		return nil
	}
	start := time.Now()
	err := s.touch(ctx, touches)
	observe(ctx, EngineSQLite, "touch", start, err)
	return err
}

func (s *SQLiteIndex) touch(ctx context.Context, touches map[string]time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning touch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE entries SET last_access = ? WHERE key = ? AND last_access < ?`)
	if err != nil {
		return fmt.Errorf("preparing touch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for k, at := range touches {
		ns := at.UnixNano()
		if _, err := stmt.ExecContext(ctx, ns, []byte(k), ns); err != nil {
			return fmt.Errorf("touching entry: %w", err)
		}
	}
	return tx.Commit()
}

// Scan visits entries in access order using keyset pagination.
func (s *SQLiteIndex) Scan(ctx context.Context, fn func(key []byte, e Entry) error) error {
	type item struct {
		key   []byte
		entry Entry
	}

	var (
		afterAccess int64 = -1 << 63
		afterKey          = []byte{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT key, hash, size, created_at, last_access FROM entries
			WHERE (last_access, key) > (?, ?)
			ORDER BY last_access, key
			LIMIT ?`, afterAccess, afterKey, scanPageSize)
		if err != nil {
			return fmt.Errorf("scanning entries: %w", err)
		}

		page := make([]item, 0, scanPageSize)
		read := 0
		for rows.Next() {
			var (
				it                item
				hash              []byte
				created, accessed int64
			)
			if err := rows.Scan(&it.key, &hash, &it.entry.Size, &created, &accessed); err != nil {
				_ = rows.Close()
				return fmt.Errorf("reading entry: %w", err)
			}
			read++
			afterAccess, afterKey = accessed, it.key
			h, err := artifactcache.HashFromBytes(hash)
			if err != nil {
				s.logger.Warn("skipping undecodable entry", "error", err)
				continue
			}
			it.entry.Hash = h
			it.entry.CreatedAt = time.Unix(0, created).UTC()
			it.entry.LastAccess = time.Unix(0, accessed).UTC()
			page = append(page, it)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return fmt.Errorf("scanning entries: %w", err)
		}
		if read == 0 {
			return nil
		}

		for _, it := range page {
			if err := fn(it.key, it.entry); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
		}
		if read < scanPageSize {
			return nil
		}
	}
}

// Stats returns the entry count and byte total.
func (s *SQLiteIndex) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries`).Scan(&st.Entries, &st.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats: %w", err)
	}
	return st, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e                 Entry
		hash              []byte
		created, accessed int64
	)
	if err := row.Scan(&hash, &e.Size, &created, &accessed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	h, err := artifactcache.HashFromBytes(hash)
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	e.Hash = h
	e.CreatedAt = time.Unix(0, created).UTC()
	e.LastAccess = time.Unix(0, accessed).UTC()
	return &e, nil
}

// Compile-time interface check
var _ Index = (*SQLiteIndex)(nil)
