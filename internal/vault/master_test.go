package vault

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
)

type memConfig struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemConfig() *memConfig { return &memConfig{m: map[string]string{}} }

func (c *memConfig) GetConfig(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memConfig) SetConfig(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func randKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func mustLocal(t *testing.T, k []byte) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(k)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLocalProvider_RoundTrip(t *testing.T) {
	p := mustLocal(t, randKey(t))
	if p.ProviderName() != "local" {
		t.Fatalf("expected provider name 'local', got %q", p.ProviderName())
	}

	raw := randKey(t)
	ctx := context.Background()
	wrapped, err := p.WrapKey(ctx, raw)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	if string(wrapped) == string(raw) {
		t.Fatal("wrapped key should differ from plaintext")
	}
	got, err := p.UnwrapKey(ctx, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatal("unwrapped key does not match original")
	}
}

func TestLocalProvider_InvalidKey(t *testing.T) {
	if _, err := NewLocalProvider(make([]byte, 16)); err == nil {
		t.Fatal("expected error for 16-byte key")
	}
}

func TestLocalProvider_DifferentKeysCantUnwrap(t *testing.T) {
	ctx := context.Background()
	p1 := mustLocal(t, randKey(t))
	p2 := mustLocal(t, randKey(t))

	wrapped, err := p1.WrapKey(ctx, randKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p2.UnwrapKey(ctx, wrapped); err == nil {
		t.Fatal("expected unwrap with a different key to fail")
	}
}

func TestLoadMasterSecret_GeneratesOnceThenReuses(t *testing.T) {
	ctx := context.Background()
	store := newMemConfig()
	p := mustLocal(t, randKey(t))

	first, err := LoadMasterSecret(ctx, store, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 32 {
		t.Fatalf("master secret is %d bytes", len(first))
	}
	if store.m[masterSecretKey] == "" {
		t.Fatal("wrapped master secret not stored")
	}

	second, err := LoadMasterSecret(ctx, store, p)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("master secret changed between loads")
	}
}

func TestLoadMasterSecret_WrongKEK(t *testing.T) {
	ctx := context.Background()
	store := newMemConfig()
	if _, err := LoadMasterSecret(ctx, store, mustLocal(t, randKey(t))); err != nil {
		t.Fatal(err)
	}
	_, err := LoadMasterSecret(ctx, store, mustLocal(t, randKey(t)))
	if err == nil || !strings.Contains(err.Error(), "wrong secrets key") {
		t.Fatalf("expected wrong key error, got %v", err)
	}
}

func TestVerifyCanary(t *testing.T) {
	ctx := context.Background()
	store := newMemConfig()

	master := randKey(t)
	v, err := New(master, WithIterations(1000))
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyCanary(ctx, store, v); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := VerifyCanary(ctx, store, v); err != nil {
		t.Fatalf("second run: %v", err)
	}

	other, _ := New(randKey(t), WithIterations(1000))
	if err := VerifyCanary(ctx, store, other); err == nil {
		t.Fatal("expected canary failure with a different master secret")
	}

	slower, _ := New(master, WithIterations(2000))
	if err := VerifyCanary(ctx, store, slower); err == nil {
		t.Fatal("expected canary failure with a different iteration count")
	}
}

func TestRewrapMasterSecret(t *testing.T) {
	ctx := context.Background()
	store := newMemConfig()
	oldP := mustLocal(t, randKey(t))
	newP := mustLocal(t, randKey(t))

	secret, err := LoadMasterSecret(ctx, store, oldP)
	if err != nil {
		t.Fatal(err)
	}
	if err := RewrapMasterSecret(ctx, store, oldP, newP); err != nil {
		t.Fatal(err)
	}

	got, err := LoadMasterSecret(ctx, store, newP)
	if err != nil {
		t.Fatalf("load with new provider: %v", err)
	}
	if string(got) != string(secret) {
		t.Fatal("rewrap changed the master secret")
	}
	if _, err := LoadMasterSecret(ctx, store, oldP); err == nil {
		t.Fatal("old provider should no longer unwrap")
	}
}
