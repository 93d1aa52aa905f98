// Package keystore keeps per-user certified keys in SQLite, keyed by
// (username, key name).
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Error is a sentinel error of this package.
type Error string

func (e Error) Error() string {
	return string(e)
}

// ErrNotFound is returned when no key exists for (username, key name).
const ErrNotFound Error = "key not found"

const schema = `
CREATE TABLE IF NOT EXISTS user_keys (
    username    TEXT NOT NULL,
    key_name    TEXT NOT NULL,
    data        BLOB NOT NULL,
    PRIMARY KEY (username, key_name)
);

CREATE TABLE IF NOT EXISTS registered_keys (
    username        TEXT NOT NULL,
    key_name        TEXT NOT NULL,
    key_blob        BLOB NOT NULL,
    public_key_der  BLOB NOT NULL,
    certificate     BLOB,
    PRIMARY KEY (username, key_name)
);
`

// KeyStore stores opaque key records per user.
type KeyStore interface {
	Read(ctx context.Context, username, keyName string) ([]byte, error)
	Write(ctx context.Context, username, keyName string, data []byte) error
	Delete(ctx context.Context, username, keyName string) error
	DeleteByPrefix(ctx context.Context, username, prefix string) error
	Register(ctx context.Context, username string, reg Registration) error
}

// Registration hands a key over to the user's token for general use.
type Registration struct {
	KeyName      string
	KeyBlob      []byte
	PublicKeyDER []byte
	Certificate  []byte
}

// SQLite is a KeyStore in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

var _ KeyStore = (*SQLite)(nil)

// Open opens or creates the key store at path.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply key store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Read returns the record stored for (username, keyName).
func (s *SQLite) Read(ctx context.Context, username, keyName string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM user_keys WHERE username = ? AND key_name = ?`, username, keyName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return data, nil
}

// Write stores data, replacing any record with the same name.
func (s *SQLite) Write(ctx context.Context, username, keyName string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_keys (username, key_name, data) VALUES (?, ?, ?)
		ON CONFLICT (username, key_name) DO UPDATE SET data = excluded.data`,
		username, keyName, data)
	if err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *SQLite) Delete(ctx context.Context, username, keyName string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_keys WHERE username = ? AND key_name = ?`, username, keyName); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// DeleteByPrefix removes every record of username whose name starts with prefix.
func (s *SQLite) DeleteByPrefix(ctx context.Context, username, prefix string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_keys WHERE username = ? AND key_name LIKE ? ESCAPE '\'`,
		username, escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("delete keys by prefix: %w", err)
	}
	return nil
}

// Register records a key as available to the user's token.
func (s *SQLite) Register(ctx context.Context, username string, reg Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_keys (username, key_name, key_blob, public_key_der, certificate)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (username, key_name) DO UPDATE SET
			key_blob = excluded.key_blob,
			public_key_der = excluded.public_key_der,
			certificate = excluded.certificate`,
		username, reg.KeyName, reg.KeyBlob, reg.PublicKeyDER, reg.Certificate)
	if err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

// Registered returns the registration of keyName, if any.
func (s *SQLite) Registered(ctx context.Context, username, keyName string) (*Registration, error) {
	reg := Registration{KeyName: keyName}
	err := s.db.QueryRowContext(ctx, `
		SELECT key_blob, public_key_der, certificate FROM registered_keys
		WHERE username = ? AND key_name = ?`, username, keyName).
		Scan(&reg.KeyBlob, &reg.PublicKeyDER, &reg.Certificate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	return &reg, nil
}
