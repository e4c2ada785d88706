package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hatemosphere/solbot-guard/internal/vault"
)

// SQLiteStore implements ConfigStore, SecretStore and CaptchaStore on a
// single SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path with WAL mode enabled.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection avoids "database is locked" with this driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_secrets (
    principal TEXT PRIMARY KEY,
    encrypted_data BLOB NOT NULL,
    salt BLOB NOT NULL,
    algorithm TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS captcha_challenges (
    principal TEXT PRIMARY KEY,
    answer TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_captcha_expires ON captcha_challenges(expires_at);
`

// --- Config ---

// GetConfig returns the value for key, or "" when unset.
func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

// --- Wallet secrets ---

func (s *SQLiteStore) SaveSecret(ctx context.Context, principal string, sec vault.EncryptedSecret) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO wallet_secrets (principal, encrypted_data, salt, algorithm, updated_at) VALUES (?, ?, ?, ?, ?)`,
		principal, sec.Ciphertext, sec.Salt, sec.Algorithm, time.Now().Unix())
	return err
}

func (s *SQLiteStore) GetSecret(ctx context.Context, principal string) (vault.EncryptedSecret, error) {
	var sec vault.EncryptedSecret
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_data, salt, algorithm FROM wallet_secrets WHERE principal=?`,
		principal).Scan(&sec.Ciphertext, &sec.Salt, &sec.Algorithm)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.EncryptedSecret{}, ErrNotFound
	}
	return sec, err
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, principal string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_secrets WHERE principal=?`, principal)
	return err
}

// --- CAPTCHA ---

func (s *SQLiteStore) Put(ctx context.Context, principal, answer string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO captcha_challenges (principal, answer, expires_at) VALUES (?, ?, ?)`,
		principal, answer, expiresAt.UnixNano())
	return err
}

func (s *SQLiteStore) GetIfLive(ctx context.Context, principal string, now time.Time) (string, bool, error) {
	var answer string
	err := s.db.QueryRowContext(ctx,
		`SELECT answer FROM captcha_challenges WHERE principal=? AND expires_at >= ?`,
		principal, now.UnixNano()).Scan(&answer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return answer, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, principal string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM captcha_challenges WHERE principal=?`, principal)
	return err
}

// PurgeExpiredCaptchas deletes challenges that expired before now.
func (s *SQLiteStore) PurgeExpiredCaptchas(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM captcha_challenges WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Backup ---

// Backup creates a consistent backup of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	return err
}
