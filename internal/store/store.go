// Package store provides access to the shared plugin table.
//
// The table holds one row per published plugin version. Only rows with
// enabled set are visible to the reconciler; at most one enabled row per name
// is considered current.
//
// Supported drivers:
//   - sqlite3: embedded SQLite (ncruces/go-sqlite3), WAL mode. Default.
//   - mysql:   go-sql-driver/mysql.
//   - libsql:  tursodatabase/go-libsql, when the binary is built with the
//     libsql tag.
//
// The caller registers drivers by importing them; cmd/plugsync does that.
//
// Every operation here is safe to retry as a whole. Writes that must keep
// content, digest, mtime and path consistent run in a single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/steveyegge/plugsync/internal/plugin"
)

// PlaceholderMD5 is stored instead of a real digest when content is uploaded
// for a record whose metadata can no longer be trusted. It never matches a
// real digest, so the next cycle treats the archive as new.
const PlaceholderMD5 = "TO BE UPDATED"

var (
	// ErrNotFound is returned when no enabled row exists for a name.
	ErrNotFound = errors.New("plugin not found")

	// ErrContentSize is returned when the bytes transferred differ from the
	// declared content length.
	ErrContentSize = errors.New("content size mismatch")
)

// DB wraps the SQL connection pool used for the plugin table.
type DB struct {
	conn    *sql.DB
	driver  string
	dialect dialect
}

// Open connects to the database with the named driver.
//
// For sqlite3 the dsn may be a bare path or a "file:" URI; the parent
// directory is created and WAL mode is enabled.
//
// The caller MUST call Close() when done.
func Open(driver, dsn string) (*DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	memory := false
	if d.embedded {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		memory = path == ":memory:"
		if path != "" && !memory {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if memory {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(d.maxOpenConns)
	}
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, driver: driver, dialect: d}

	for _, pragma := range d.pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	var err error
	if db.dialect.checkpoint != "" {
		if _, cerr := db.conn.Exec(db.dialect.checkpoint); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to checkpoint WAL: %w", cerr))
		}
	}
	if cerr := db.conn.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close database: %w", cerr))
	}

	db.conn = nil
	return err
}

// InitSchema creates the plugin table if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	for _, stmt := range db.dialect.schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// ListEnabled returns metadata for every enabled row, ordered by name.
// Content is not loaded.
func (db *DB) ListEnabled(ctx context.Context) ([]*plugin.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT name, path, md5, mtime, version, enabled
	FROM plugin
	WHERE enabled = ?
	ORDER BY name, id`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled plugins: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListAll returns metadata for every row, enabled or not, ordered by name.
func (db *DB) ListAll(ctx context.Context) ([]*plugin.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT name, path, md5, mtime, version, enabled
	FROM plugin
	ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListMissingContent returns enabled rows whose content column is NULL or
// empty. Such rows are left behind by schema migrations.
func (db *DB) ListMissingContent(ctx context.Context) ([]*plugin.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT name, path, md5, mtime, version, enabled
	FROM plugin
	WHERE (content IS NULL OR LENGTH(content) = 0) AND enabled = ?
	ORDER BY name, id`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins missing content: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Get returns the enabled row for name, including content.
func (db *DB) Get(ctx context.Context, name string) (*plugin.Record, error) {
	var (
		rec     plugin.Record
		version sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT name, path, md5, mtime, version, enabled, content
	FROM plugin
	WHERE name = ? AND enabled = ?
	ORDER BY id DESC
	LIMIT 1`, name, true).Scan(
		&rec.Name, &rec.Path, &rec.MD5, &rec.MTime, &version, &rec.Enabled, &rec.Content,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin %s: %w", name, err)
	}
	rec.Version = version.String
	return &rec, nil
}

// Count returns the number of rows, enabled or not.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM plugin").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count plugins: %w", err)
	}
	return count, nil
}

func scanRecords(rows *sql.Rows) ([]*plugin.Record, error) {
	var records []*plugin.Record
	for rows.Next() {
		var (
			rec     plugin.Record
			version sql.NullString
		)
		if err := rows.Scan(&rec.Name, &rec.Path, &rec.MD5, &rec.MTime, &version, &rec.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan plugin row: %w", err)
		}
		rec.Version = version.String
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plugin rows: %w", err)
	}
	return records, nil
}
