// Package avatar stores avatar blobs on disk. Every avatar is an opaque
// .moon file named after its owner's UUID; temp avatars live in a temp/
// subdirectory and expire shortly after upload.
package avatar

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ext is the on-disk extension for avatar blobs.
const Ext = ".moon"

// DefaultTempTTL is how long a temp avatar stays servable after its upload.
const DefaultTempTTL = 60 * time.Second

// ErrNotFound is returned when a user has no (fresh) avatar on disk.
var ErrNotFound = errors.New("avatar not found")

// Store is a filesystem avatar store rooted at one directory.
type Store struct {
	// TempTTL bounds how long temp avatars stay fresh.
	TempTTL time.Duration

	root string
	log  zerolog.Logger
}

// NewStore creates the avatar directories and returns a store over them.
func NewStore(root string, log zerolog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("avatar directory is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "temp"), 0o755); err != nil {
		return nil, fmt.Errorf("create avatar directories: %w", err)
	}
	log.Debug().Str("dir", root).Msg("avatar store initialized")
	return &Store{TempTTL: DefaultTempTTL, root: root, log: log}, nil
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.root, id.String()+Ext)
}

func (s *Store) tempPath(id uuid.UUID) string {
	return filepath.Join(s.root, "temp", id.String()+Ext)
}

// Put replaces id's equipped avatar with the bytes from r. The write is
// staged in a temp file and renamed into place so readers never observe a
// partial avatar.
func (s *Store) Put(id uuid.UUID, r io.Reader) (int64, error) {
	return s.write(s.path(id), id, r)
}

// PutTemp stages a temp avatar for id. It becomes stale after TempTTL.
func (s *Store) PutTemp(id uuid.UUID, r io.Reader) (int64, error) {
	return s.write(s.tempPath(id), id, r)
}

func (s *Store) write(dest string, id uuid.UUID, r io.Reader) (int64, error) {
	f, err := os.CreateTemp(s.root, ".avatar-write-*")
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	staged := f.Name()

	size, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(staged)
		return 0, fmt.Errorf("write avatar bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(staged)
		return 0, fmt.Errorf("close staging file: %w", closeErr)
	}
	if err := os.Rename(staged, dest); err != nil {
		_ = os.Remove(staged)
		return 0, fmt.Errorf("move avatar into place: %w", err)
	}

	s.log.Debug().Stringer("uuid", id).Str("path", dest).Int64("size", size).Msg("avatar stored")
	return size, nil
}

// Open opens id's equipped avatar for reading.
func (s *Store) Open(id uuid.UUID) (*os.File, error) {
	f, err := os.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open avatar: %w", err)
	}
	return f, nil
}

// Has reports whether id has an equipped avatar.
func (s *Store) Has(id uuid.UUID) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete removes id's equipped avatar. Deleting a missing avatar is a
// no-op.
func (s *Store) Delete(id uuid.UUID) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete avatar: %w", err)
	}
	return nil
}

// Hash returns the lowercase hex SHA-256 of id's equipped avatar.
func (s *Store) Hash(id uuid.UUID) (string, error) {
	return hashFile(s.path(id))
}

// OpenTemp opens id's temp avatar, but only while it is still fresh. A
// stale temp file is removed on the spot.
func (s *Store) OpenTemp(id uuid.UUID) (*os.File, error) {
	path := s.tempPath(id)
	if !s.fresh(path) {
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open temp avatar: %w", err)
	}
	return f, nil
}

// HasTemp reports whether id has a fresh temp avatar.
func (s *Store) HasTemp(id uuid.UUID) bool {
	return s.fresh(s.tempPath(id))
}

// TempHash returns the hex SHA-256 of id's fresh temp avatar.
func (s *Store) TempHash(id uuid.UUID) (string, error) {
	path := s.tempPath(id)
	if !s.fresh(path) {
		return "", ErrNotFound
	}
	return hashFile(path)
}

// DeleteTemp removes id's temp avatar regardless of freshness.
func (s *Store) DeleteTemp(id uuid.UUID) error {
	err := os.Remove(s.tempPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete temp avatar: %w", err)
	}
	return nil
}

// fresh reports whether path exists with an mtime inside the TTL, pruning
// it when expired.
func (s *Store) fresh(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(fi.ModTime()) > s.TempTTL {
		_ = os.Remove(path)
		s.log.Debug().Str("path", path).Msg("expired temp avatar pruned")
		return false
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("open avatar for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash avatar: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
