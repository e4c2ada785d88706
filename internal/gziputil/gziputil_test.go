package gziputil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCompressFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.db")
	gz := filepath.Join(dir, "in.db.gz")
	back := filepath.Join(dir, "out.db")

	data := bytes.Repeat([]byte("solbot-guard snapshot "), 4096)
	if err := os.WriteFile(src, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CompressFile(gz, src); err != nil {
		t.Fatal(err)
	}
	compressed, err := os.ReadFile(gz)
	if err != nil {
		t.Fatal(err)
	}
	if !IsGzipped(compressed) {
		t.Fatal("expected gzip magic bytes")
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression, got %d >= %d", len(compressed), len(data))
	}

	if err := DecompressFile(back, gz); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressFile_NotGzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain")
	if err := os.WriteFile(src, []byte("not gzip"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := DecompressFile(filepath.Join(dir, "out"), src); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestIsGzipped(t *testing.T) {
	if IsGzipped([]byte("ab")) {
		t.Fatal("short input is not gzip")
	}
	if !IsGzipped([]byte{0x1f, 0x8b, 0x08}) {
		t.Fatal("magic bytes not detected")
	}
}
