package config

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"avatarhub/internal/registry"
)

// DefaultReloadInterval is how often the config file is re-read.
const DefaultReloadInterval = 30 * time.Second

// Holder is the live view of the config file. Reads are cheap; Reload swaps
// the whole file atomically.
type Holder struct {
	mu   sync.RWMutex
	path string
	file File
	log  zerolog.Logger
}

// NewHolder loads the file at path once and wraps it.
func NewHolder(path string, log zerolog.Logger) (*Holder, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Holder{path: path, file: f, log: log}, nil
}

// Current returns the latest loaded config.
func (h *Holder) Current() File {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.file
}

// Reload re-reads the file. A parse failure keeps the previous config.
func (h *Holder) Reload() error {
	f, err := LoadFile(h.path)
	if err != nil {
		h.log.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping previous")
		return err
	}
	h.mu.Lock()
	h.file = f
	h.mu.Unlock()
	h.log.Debug().Str("path", h.path).Msg("config reloaded")
	return nil
}

// RankFor returns the configured rank override for id, or "".
func (h *Holder) RankFor(id uuid.UUID) string {
	if u, ok := h.Current().AdvancedUserByUUID(id); ok {
		return u.Rank
	}
	return ""
}

// Apply pushes the advanced-user overrides into the registry. Newly banned
// users are rejected on their next websocket frame.
func (h *Holder) Apply(reg *registry.Registry) {
	f := h.Current()
	for key, u := range f.AdvancedUsers {
		id, err := uuid.Parse(key)
		if err != nil {
			h.log.Warn().Str("uuid", key).Msg("unparseable advanced_users key, skipped")
			continue
		}
		reg.SetBanned(id, u.Banned)
		if u.CanUpload != nil {
			reg.PutUploadState(id, *u.CanUpload)
		}
	}
}

// Watch periodically reloads the file and applies it until ctx ends.
func (h *Holder) Watch(ctx context.Context, interval time.Duration, reg *registry.Registry) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Reload(); err == nil {
				h.Apply(reg)
			}
		}
	}
}
