package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/kenneth/sharecrypt/internal/keystore/migrations"
)

// SQLiteStore is a Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database at dsn and migrates it to the latest
// schema. dsn can be a file path or ":memory:".
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	if dsn == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) blob(ctx context.Context, what, query string, args ...any) ([]byte, error) {
	var out []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", what, err)
	}
	return out, nil
}

func (s *SQLiteStore) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing %s: %w", what, err)
	}
	return nil
}

func (s *SQLiteStore) PublicKey(ctx context.Context, id string) ([]byte, error) {
	return s.blob(ctx, fmt.Sprintf("public key %q", id),
		"SELECT pem FROM public_keys WHERE id = ?", id)
}

func (s *SQLiteStore) SetPublicKey(ctx context.Context, id string, pem []byte) error {
	return s.exec(ctx, "public key",
		"INSERT INTO public_keys (id, pem) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET pem = excluded.pem", id, pem)
}

func (s *SQLiteStore) PrivateKey(ctx context.Context, id string) ([]byte, error) {
	return s.blob(ctx, fmt.Sprintf("private key %q", id),
		"SELECT blob FROM private_keys WHERE id = ?", id)
}

func (s *SQLiteStore) SetPrivateKey(ctx context.Context, id string, blob []byte) error {
	return s.exec(ctx, "private key",
		"INSERT INTO private_keys (id, blob) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET blob = excluded.blob", id, blob)
}

func (s *SQLiteStore) ShareKey(ctx context.Context, path, recipient string) ([]byte, error) {
	return s.blob(ctx, fmt.Sprintf("share key %q for %q", path, recipient),
		"SELECT sealed FROM share_keys WHERE path = ? AND recipient = ?", path, recipient)
}

func (s *SQLiteStore) SetShareKey(ctx context.Context, path, recipient string, sealed []byte) error {
	return s.exec(ctx, "share key",
		`INSERT INTO share_keys (path, recipient, sealed) VALUES (?, ?, ?)
		 ON CONFLICT(path, recipient) DO UPDATE SET sealed = excluded.sealed`, path, recipient, sealed)
}

func (s *SQLiteStore) ShareKeyRecipients(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT recipient FROM share_keys WHERE path = ? ORDER BY recipient", path)
	if err != nil {
		return nil, fmt.Errorf("listing share keys: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scanning share key: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteShareKeys(ctx context.Context, path string) error {
	return s.exec(ctx, "share keys", "DELETE FROM share_keys WHERE path = ?", path)
}

func (s *SQLiteStore) LegacyFileKey(ctx context.Context, path string) (string, []byte, error) {
	var recipient string
	var sealed []byte
	err := s.db.QueryRowContext(ctx, "SELECT recipient, sealed FROM legacy_file_keys WHERE path = ?", path).
		Scan(&recipient, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("legacy file key %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("reading legacy file key: %w", err)
	}
	return recipient, sealed, nil
}

func (s *SQLiteStore) SetLegacyFileKey(ctx context.Context, path, recipient string, sealed []byte) error {
	return s.exec(ctx, "legacy file key",
		`INSERT INTO legacy_file_keys (path, recipient, sealed) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET recipient = excluded.recipient, sealed = excluded.sealed`, path, recipient, sealed)
}

func (s *SQLiteStore) DeleteLegacyFileKey(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM legacy_file_keys WHERE path = ?", path)
	if err != nil {
		return false, fmt.Errorf("deleting legacy file key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting legacy file key: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Version(ctx context.Context, path string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM file_versions WHERE path = ?", path).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) SetVersion(ctx context.Context, path string, version int) error {
	return s.exec(ctx, "version",
		"INSERT INTO file_versions (path, version) VALUES (?, ?) ON CONFLICT(path) DO UPDATE SET version = excluded.version",
		path, version)
}

func (s *SQLiteStore) RecoveryEnabled(ctx context.Context, user string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, "SELECT enabled FROM recovery_settings WHERE user_id = ?", user).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading recovery setting: %w", err)
	}
	return enabled, nil
}

func (s *SQLiteStore) SetRecoveryEnabled(ctx context.Context, user string, enabled bool) error {
	return s.exec(ctx, "recovery setting",
		`INSERT INTO recovery_settings (user_id, enabled) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET enabled = excluded.enabled`, user, enabled)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
