package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// File is the TOML config file.
type File struct {
	Listen string `toml:"listen"`
	MOTD   string `toml:"motd"`

	Limitations Limitations `toml:"limitations"`
	Auth        Auth        `toml:"auth"`
	Assets      Assets      `toml:"assets"`

	// AdvancedUsers keys are user UUIDs.
	AdvancedUsers map[string]AdvancedUser `toml:"advanced_users"`
}

// Limitations are the global avatar limits advertised to clients.
type Limitations struct {
	// MaxAvatarSizeKB is advertised to clients multiplied to bytes.
	MaxAvatarSizeKB int64 `toml:"max_avatar_size"`
	MaxAvatars      int   `toml:"max_avatars"`
	CanUpload       bool  `toml:"can_upload"`
}

// Auth configures the identity providers tried during stage two.
type Auth struct {
	Providers []AuthProvider `toml:"providers"`
}

// AuthProvider is one identity endpoint.
type AuthProvider struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Assets configures the startup asset sync.
type Assets struct {
	Enabled    bool   `toml:"enabled"`
	CommitURL  string `toml:"commit_url"`
	ArchiveURL string `toml:"archive_url"`
}

// AdvancedUser is a per-user operator override.
type AdvancedUser struct {
	Username  string  `toml:"username"`
	Rank      string  `toml:"rank"`
	Banned    bool    `toml:"banned"`
	CanUpload *bool   `toml:"can_upload"`
	Special   []uint8 `toml:"special"`
	Pride     []uint8 `toml:"pride"`
}

// Default returns the configuration used when no config file exists.
func Default() File {
	return File{
		Listen: "0.0.0.0:6665",
		MOTD:   "just works",
		Limitations: Limitations{
			MaxAvatarSizeKB: 100,
			MaxAvatars:      10,
			CanUpload:       true,
		},
		Auth: Auth{
			Providers: []AuthProvider{{
				Name: "mojang",
				URL:  "https://sessionserver.mojang.com/session/minecraft/hasJoined",
			}},
		},
	}
}

// LoadFile parses the TOML file at path. A missing file yields the defaults
// without error; a malformed file is an error.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}

	f := Default()
	if err := toml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse config file: %w", err)
	}
	return f, nil
}

// AdvancedUserByUUID resolves the override for id, skipping unparseable
// keys.
func (f File) AdvancedUserByUUID(id uuid.UUID) (AdvancedUser, bool) {
	for key, u := range f.AdvancedUsers {
		parsed, err := uuid.Parse(key)
		if err != nil {
			continue
		}
		if parsed == id {
			return u, true
		}
	}
	return AdvancedUser{}, false
}
