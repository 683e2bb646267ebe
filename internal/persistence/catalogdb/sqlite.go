// Package catalogdb is the durable store behind the catalog: three
// record tables keyed by id plus the deploy-lock table, all in one
// SQLite file. Writes are synchronous; the catalog only fans a commit
// out after Apply returns.
package catalogdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"stagecraft.dev/internal/catalog"
	"stagecraft.dev/internal/protocol"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL keeps commit latency low for the write-through path.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blueprints (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_blueprint ON entities(json_extract(json, '$.blueprint'));`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS locks (
			scope TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			owner TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Apply commits one catalog mutation batch in a single transaction.
func (s *Store) Apply(ops []catalog.Op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		switch op.Kind {
		case protocol.MethodBlueprintAdded, protocol.MethodBlueprintModified:
			b, err := json.Marshal(op.Blueprint)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO blueprints(id,version,json) VALUES(?,?,?)`,
				op.Blueprint.ID, op.Blueprint.Version, string(b),
			); err != nil {
				return err
			}
		case protocol.MethodBlueprintRemoved:
			if _, err := tx.Exec(`DELETE FROM blueprints WHERE id=?`, op.RemovedID); err != nil {
				return err
			}
		case protocol.MethodEntityAdded, protocol.MethodEntityModified:
			b, err := json.Marshal(op.Entity)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO entities(id,version,json) VALUES(?,?,?)`,
				op.Entity.ID, op.Entity.Version, string(b),
			); err != nil {
				return err
			}
		case protocol.MethodEntityRemoved:
			if _, err := tx.Exec(`DELETE FROM entities WHERE id=?`, op.RemovedID); err != nil {
				return err
			}
		case protocol.MethodSettingsChanged:
			b, err := json.Marshal(op.Settings)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO settings(id,version,json) VALUES(1,?,?)`,
				op.Settings.Version, string(b),
			); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown op kind: %s", op.Kind)
		}
	}
	return tx.Commit()
}

// Load reads the full persisted state for startup seeding.
func (s *Store) Load() ([]protocol.Blueprint, []protocol.Entity, protocol.Settings, error) {
	var settings protocol.Settings

	bps, err := loadRecords[protocol.Blueprint](s.db, `SELECT json FROM blueprints ORDER BY id`)
	if err != nil {
		return nil, nil, settings, err
	}
	ents, err := loadRecords[protocol.Entity](s.db, `SELECT json FROM entities ORDER BY id`)
	if err != nil {
		return nil, nil, settings, err
	}

	var raw string
	err = s.db.QueryRow(`SELECT json FROM settings WHERE id=1`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, settings, err
	default:
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, nil, settings, fmt.Errorf("settings row: %w", err)
		}
	}
	return bps, ents, settings, nil
}

func loadRecords[T any](db *sql.DB, query string) ([]T, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LockRow mirrors one deploy lock for restart survival.
type LockRow struct {
	Scope      string
	Token      string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (s *Store) PutLock(scope, token, owner string, acquiredAt, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO locks(scope,token,owner,acquired_at,expires_at) VALUES(?,?,?,?,?)`,
		scope, token, owner, acquiredAt.UnixMilli(), expiresAt.UnixMilli(),
	)
	return err
}

// DeleteLock removes a lock row only while the token still matches,
// the compare-and-swap the lock manager relies on.
func (s *Store) DeleteLock(scope, token string) error {
	_, err := s.db.Exec(`DELETE FROM locks WHERE scope=? AND token=?`, scope, token)
	return err
}

func (s *Store) LoadLocks(now time.Time) ([]LockRow, error) {
	// Expired rows are dropped at load; the sweeper handles the rest.
	if _, err := s.db.Exec(`DELETE FROM locks WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT scope,token,owner,acquired_at,expires_at FROM locks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LockRow
	for rows.Next() {
		var r LockRow
		var acq, exp int64
		if err := rows.Scan(&r.Scope, &r.Token, &r.Owner, &acq, &exp); err != nil {
			return nil, err
		}
		r.AcquiredAt = time.UnixMilli(acq)
		r.ExpiresAt = time.UnixMilli(exp)
		out = append(out, r)
	}
	return out, rows.Err()
}
