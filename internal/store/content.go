package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/steveyegge/plugsync/internal/plugin"
)

// ReadContent loads the content column of the newest enabled row for name
// and hands it to fn together with the declared content length. The whole
// blob is held in memory while fn runs; the reader is only valid for the
// duration of fn.
func (db *DB) ReadContent(ctx context.Context, name string, fn func(r io.Reader, size int64) error) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT content, LENGTH(content)
	FROM plugin
	WHERE name = ? AND enabled = ?
	ORDER BY id DESC
	LIMIT 1`, name, true)
	if err != nil {
		return fmt.Errorf("failed to query content for %s: %w", name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read content for %s: %w", name, err)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var (
		content sql.RawBytes
		size    sql.NullInt64
	)
	if err := rows.Scan(&content, &size); err != nil {
		return fmt.Errorf("failed to scan content for %s: %w", name, err)
	}

	if err := fn(bytes.NewReader(content), size.Int64); err != nil {
		return err
	}
	return rows.Err()
}

// Upload describes content to store for an existing row.
type Upload struct {
	// Path is the archive filename to record.
	Path string
	// MD5 is the digest to record; PlaceholderMD5 forces a redeploy.
	MD5 string
	// MTime is the modification time to record; 0 forces a redeploy.
	MTime int64
	// Content supplies exactly Size bytes.
	Content io.Reader
	Size    int64
}

// UploadContent stores content, digest, mtime and path for the enabled row
// named name in one transaction. Any failure rolls the transaction back.
func (db *DB) UploadContent(ctx context.Context, name string, u Upload) error {
	data, err := io.ReadAll(io.LimitReader(u.Content, u.Size+1))
	if err != nil {
		return fmt.Errorf("failed to read content for %s: %w", name, err)
	}
	if int64(len(data)) != u.Size {
		return fmt.Errorf("%w: %s: declared %d bytes, read %d", ErrContentSize, name, u.Size, len(data))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	UPDATE plugin SET content = ?, md5 = ?, mtime = ?, path = ?
	WHERE name = ? AND enabled = ?`,
		data, u.MD5, u.MTime, u.Path, name, true)
	if err != nil {
		return fmt.Errorf("failed to store content for %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store content for %s: %w", name, err)
	}
	if n != 1 {
		return fmt.Errorf("failed to store content for %s: %d rows updated", name, n)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Disable clears the enabled flag of every row named name in its own
// transaction. It reports whether any row was changed.
func (db *DB) Disable(ctx context.Context, name string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE plugin SET enabled = ? WHERE name = ? AND enabled = ?`, false, name, true)
	if err != nil {
		return false, fmt.Errorf("failed to disable %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to disable %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n > 0, nil
}

// Publish makes rec the current row for its name: previous enabled rows are
// disabled and rec is inserted as enabled, in one transaction. A nil
// rec.Content stores NULL.
func (db *DB) Publish(ctx context.Context, rec *plugin.Record) error {
	if rec.Name == "" || rec.Path == "" {
		return errors.New("name and path are required")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE plugin SET enabled = ? WHERE name = ? AND enabled = ?`, false, rec.Name, true); err != nil {
		return fmt.Errorf("failed to retire previous %s: %w", rec.Name, err)
	}

	var content any
	if rec.Content != nil {
		content = rec.Content
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO plugin (name, path, md5, mtime, version, content, enabled)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Path, rec.MD5, rec.MTime, rec.Version, content, true); err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
