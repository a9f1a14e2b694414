// Package config loads server configuration: process environment, the TOML
// config file, and a reloadable holder that pushes moderation changes into
// live state.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env is the process environment. A .env file in the working directory is
// merged in before parsing.
type Env struct {
	// Logger is the zerolog level name (debug, info, warn, error).
	Logger string `env:"LOGGER" envDefault:"info"`
	// Config is the path of the TOML config file.
	Config string `env:"CONFIG" envDefault:"Config.toml"`
	// Logs is the directory log files are written to.
	Logs string `env:"LOGS" envDefault:"logs"`
	// Assets is the directory the asset bundle is unpacked into.
	Assets string `env:"ASSETS" envDefault:"data/assets"`
	// Avatars is the avatar blob directory.
	Avatars string `env:"AVATARS" envDefault:"data/avatars"`
	// DB is the moderation database path.
	DB string `env:"DB" envDefault:"data/moderation.db"`
}

// LoadEnv reads .env (when present) and parses the environment.
func LoadEnv() (Env, error) {
	// Missing .env is the common case outside development.
	_ = godotenv.Load()

	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}
