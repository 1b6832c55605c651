// Package daemonconfig loads process-level settings for the tunnelgate
// daemon: control API ports, bind retries and auth switch, the data
// directory that holds the daemon's files, and the secret-store key.
package daemonconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds daemon-level configuration, loaded from the environment
// with the TUNNELGATE_ prefix (e.g. TUNNELGATE_API_PORT=7070).
type Settings struct {
	DataDir       string `envconfig:"DATA_DIR"`
	APIPort       int    `envconfig:"API_PORT" default:"7070"`
	APIFallback   int    `envconfig:"API_FALLBACK_PORT" default:"7071"`
	APIBindRetries int   `envconfig:"API_BIND_RETRIES" default:"5"`
	APIAuthEnabled bool  `envconfig:"API_AUTH_ENABLED" default:"true"`
	SecretKey      string `envconfig:"SECRET_KEY" default:""`
}

// Load reads Settings from the environment, filling in a platform default
// data directory when DATA_DIR is unset.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("TUNNELGATE", &s); err != nil {
		return Settings{}, fmt.Errorf("load daemon config: %w", err)
	}
	if s.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return Settings{}, err
		}
		s.DataDir = dir
	}
	if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
		return Settings{}, fmt.Errorf("create data dir %s: %w", s.DataDir, err)
	}
	return s, nil
}

func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunnelgate"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "tunnelgate"), nil
}

// ConfigFilePath is the Config Store's single JSON document.
func (s Settings) ConfigFilePath() string {
	return filepath.Join(s.DataDir, "servers.json")
}

// StatsDBPath is the Stats Store's SQLite file.
func (s Settings) StatsDBPath() string {
	return filepath.Join(s.DataDir, "stats.db")
}

// KnownHostsPath is the known_hosts file SSH auth verifies against.
func (s Settings) KnownHostsPath() string {
	return filepath.Join(s.DataDir, "known_hosts")
}

// SecretKeyFilePath is where a generated AEAD fallback key is persisted when
// SECRET_KEY is not set in the environment.
func (s Settings) SecretKeyFilePath() string {
	return filepath.Join(s.DataDir, "secret.key")
}
