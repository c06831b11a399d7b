package store

import "fmt"

// dialect captures the per-driver differences in DDL and connection setup.
// Queries themselves stick to syntax all drivers accept.
type dialect struct {
	embedded     bool
	maxOpenConns int
	pragmas      []string
	checkpoint   string
	schema       []string
}

var sqliteSchema = []string{`
	CREATE TABLE IF NOT EXISTS plugin (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		md5 TEXT NOT NULL,
		mtime INTEGER NOT NULL DEFAULT 0,
		version TEXT,
		content BLOB,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plugin_name_enabled ON plugin(name, enabled)`,
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3":
		return dialect{
			embedded:     true,
			maxOpenConns: 25,
			pragmas: []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA busy_timeout=5000",
			},
			checkpoint: "PRAGMA wal_checkpoint(TRUNCATE)",
			schema:     sqliteSchema,
		}, nil
	case "libsql":
		return dialect{
			embedded:     true,
			maxOpenConns: 1,
			schema:       sqliteSchema,
		}, nil
	case "mysql":
		return dialect{
			maxOpenConns: 25,
			schema: []string{`
	CREATE TABLE IF NOT EXISTS plugin (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		path VARCHAR(512) NOT NULL,
		md5 VARCHAR(64) NOT NULL,
		mtime BIGINT NOT NULL DEFAULT 0,
		version VARCHAR(128),
		content LONGBLOB NULL,
		enabled TINYINT(1) NOT NULL DEFAULT 1,
		INDEX idx_plugin_name_enabled (name, enabled)
	)`},
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}
