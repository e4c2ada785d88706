// Package gziputil compresses database snapshots with pooled gzip writers.
package gziputil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var writerPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// MaxDecompressedSize bounds DecompressFile output.
const MaxDecompressedSize = 512 * 1024 * 1024 // 512 MB

// ErrTooLarge is returned when decompressed output exceeds MaxDecompressedSize.
var ErrTooLarge = errors.New("decompressed data exceeds maximum size of 512MB")

// CompressFile gzips src into dst, creating or truncating dst.
func CompressFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	gw := writerPool.Get().(*gzip.Writer)
	gw.Reset(out)
	defer func() {
		gw.Reset(nil)
		writerPool.Put(gw)
	}()

	if _, err := io.Copy(gw, bufio.NewReader(in)); err != nil {
		out.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DecompressFile gunzips src into dst.
func DecompressFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gr, err := gzip.NewReader(bufio.NewReader(in))
	if err != nil {
		return err
	}
	defer gr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(gr, MaxDecompressedSize+1))
	if err != nil {
		out.Close()
		return err
	}
	if n > MaxDecompressedSize {
		out.Close()
		return ErrTooLarge
	}
	return out.Close()
}

// IsGzipped returns true if data starts with gzip magic bytes.
func IsGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
