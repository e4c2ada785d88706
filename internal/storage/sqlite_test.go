package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hatemosphere/solbot-guard/internal/vault"
)

var (
	_ ConfigStore  = (*SQLiteStore)(nil)
	_ SecretStore  = (*SQLiteStore)(nil)
	_ CaptchaStore = (*SQLiteStore)(nil)
	_ Pinger       = (*SQLiteStore)(nil)
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Config(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	v, err := store.GetConfig(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Fatalf("expected empty value, got %q", v)
	}

	if err := store.SetConfig(ctx, "k", "one"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetConfig(ctx, "k", "two"); err != nil {
		t.Fatal(err)
	}
	v, err = store.GetConfig(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "two" {
		t.Fatalf("expected overwrite, got %q", v)
	}
}

func TestSQLite_Secrets(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	if _, err := store.GetSecret(ctx, "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := vault.EncryptedSecret{Ciphertext: []byte{1, 2, 3}, Salt: make([]byte, 32), Algorithm: vault.Algorithm}
	if err := store.SaveSecret(ctx, "42", rec); err != nil {
		t.Fatal(err)
	}
	rec.Ciphertext = []byte{9, 9}
	if err := store.SaveSecret(ctx, "42", rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSecret(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Ciphertext) != string([]byte{9, 9}) || got.Algorithm != vault.Algorithm || len(got.Salt) != 32 {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := store.DeleteSecret(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSecret(ctx, "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLite_VaultRecordSurvivesRoundTrip(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"), vault.WithIterations(1000))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := v.EncryptString(ctx, "wallet-key", "77")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSecret(ctx, "77", rec); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.GetSecret(ctx, "77")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := v.DecryptString(ctx, loaded, "77")
	if err != nil {
		t.Fatal(err)
	}
	if pt != "wallet-key" {
		t.Fatalf("got %q", pt)
	}
}

func TestSQLite_Captcha(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	exp := now.Add(5 * time.Minute)

	if err := store.Put(ctx, "u1", "OLD", exp); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "u1", "ANSWER", exp); err != nil {
		t.Fatal(err)
	}

	ans, ok, err := store.GetIfLive(ctx, "u1", now)
	if err != nil || !ok || ans != "ANSWER" {
		t.Fatalf("expected live ANSWER, got %q %v %v", ans, ok, err)
	}
	if _, ok, _ := store.GetIfLive(ctx, "u1", exp); !ok {
		t.Fatal("challenge should be live exactly at expiry")
	}
	if _, ok, _ := store.GetIfLive(ctx, "u1", exp.Add(time.Nanosecond)); ok {
		t.Fatal("challenge should be gone after expiry")
	}

	if err := store.Delete(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.GetIfLive(ctx, "u1", now); ok {
		t.Fatal("challenge should be deleted")
	}
}

func TestSQLite_PurgeExpiredCaptchas(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for _, p := range []string{"a", "b"} {
		if err := store.Put(ctx, p, "X", now.Add(-time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, "c", "X", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := store.PurgeExpiredCaptchas(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	if _, ok, _ := store.GetIfLive(ctx, "c", now); !ok {
		t.Fatal("live challenge purged")
	}
}

func TestSQLite_Backup(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	if err := store.SetConfig(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatal(err)
	}

	restored, err := NewSQLiteStore(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	v, err := restored.GetConfig(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("backup missing config: %q %v", v, err)
	}
}
