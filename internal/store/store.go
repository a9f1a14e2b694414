// Package store persists moderation state in SQLite: the ban list and the
// per-user upload overrides. Both are loaded into the in-memory registry at
// boot so the hot paths never touch the database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store persists moderation state in SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, log zerolog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("moderation store opened")
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS bans (
	uuid TEXT PRIMARY KEY,
	reason TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS upload_overrides (
	uuid TEXT PRIMARY KEY,
	allowed INTEGER NOT NULL CHECK(allowed IN (0, 1)),
	updated_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	s.log.Debug().Msg("sqlite migrations applied")
	return nil
}

// SetBan adds id to the ban list or removes it.
func (s *Store) SetBan(ctx context.Context, id uuid.UUID, banned bool, reason string) error {
	if banned {
		const q = `INSERT INTO bans (uuid, reason, created_at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET reason = excluded.reason`
		if _, err := s.db.ExecContext(ctx, q, id.String(), reason, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("insert ban: %w", err)
		}
	} else {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE uuid = ?`, id.String()); err != nil {
			return fmt.Errorf("delete ban: %w", err)
		}
	}
	s.log.Info().Stringer("uuid", id).Bool("banned", banned).Str("reason", reason).Msg("ban list updated")
	return nil
}

// Bans returns every banned UUID.
func (s *Store) Bans(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid FROM bans`)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			// A corrupt row must not take the whole ban list down.
			s.log.Error().Str("uuid", raw).Msg("unparseable uuid in ban table, skipped")
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetUploadOverride records a per-user upload permission override.
func (s *Store) SetUploadOverride(ctx context.Context, id uuid.UUID, allowed bool) error {
	const q = `INSERT INTO upload_overrides (uuid, allowed, updated_at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET allowed = excluded.allowed, updated_at_unix_ms = excluded.updated_at_unix_ms`
	v := 0
	if allowed {
		v = 1
	}
	if _, err := s.db.ExecContext(ctx, q, id.String(), v, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert upload override: %w", err)
	}
	s.log.Debug().Stringer("uuid", id).Bool("allowed", allowed).Msg("upload override stored")
	return nil
}

// UploadOverrides returns all per-user upload overrides.
func (s *Store) UploadOverrides(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, allowed FROM upload_overrides`)
	if err != nil {
		return nil, fmt.Errorf("query upload overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var (
			raw     string
			allowed int
		)
		if err := rows.Scan(&raw, &allowed); err != nil {
			return nil, fmt.Errorf("scan upload override: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			s.log.Error().Str("uuid", raw).Msg("unparseable uuid in upload_overrides, skipped")
			continue
		}
		out[id] = allowed == 1
	}
	return out, rows.Err()
}
