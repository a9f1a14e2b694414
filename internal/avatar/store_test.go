package avatar

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPutOpenRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	id := uuid.New()
	payload := []byte("moon bytes")

	size, err := s.Put(id, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}
	if !s.Has(id) {
		t.Fatal("Has = false after put")
	}

	f, err := s.Open(id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}

	sum := sha256.Sum256(payload)
	hash, err := s.Hash(id)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash mismatch: %s", hash)
	}
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if _, err := s.Open(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Hash(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from hash, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	id := uuid.New()
	if _, err := s.Put(id, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Has(id) {
		t.Fatal("avatar still present after delete")
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestTempFreshnessWindow(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	id := uuid.New()
	if _, err := s.PutTemp(id, bytes.NewReader([]byte("temp"))); err != nil {
		t.Fatalf("put temp: %v", err)
	}
	if !s.HasTemp(id) {
		t.Fatal("fresh temp avatar not visible")
	}
	if _, err := s.TempHash(id); err != nil {
		t.Fatalf("temp hash: %v", err)
	}

	// Age the file past the TTL; it must disappear and be pruned.
	path := filepath.Join(s.root, "temp", id.String()+Ext)
	old := time.Now().Add(-2 * s.TempTTL)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if s.HasTemp(id) {
		t.Fatal("stale temp avatar still visible")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale temp avatar not pruned: %v", err)
	}
	if _, err := s.OpenTemp(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale temp, got %v", err)
	}
}

func TestDeleteTempIgnoresMissing(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if err := s.DeleteTemp(uuid.New()); err != nil {
		t.Fatalf("delete temp: %v", err)
	}
}

func TestPutOverwritesAtomically(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	id := uuid.New()
	if _, err := s.Put(id, bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(id, bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	f, err := s.Open(id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "second" {
		t.Fatalf("read %q after overwrite", got)
	}

	// No staging leftovers in the root.
	entries, err := os.ReadDir(s.root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "temp" && e.Name() != id.String()+Ext {
			t.Fatalf("unexpected leftover %q", e.Name())
		}
	}
}
