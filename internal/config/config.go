// Package config persists voice-subsystem preferences and the DAVE identity
// signature key as JSON under os.UserConfigDir(), following the same
// directory convention the client always has, upgraded to an atomic
// temp-file-then-rename write: a half-written signature key file would
// corrupt DAVE identity across restarts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServerEntry is a saved voice server endpoint, remembered across sessions
// for reconnect.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// SignatureKeyID identifies one persisted DAVE identity key. Keys are
// scoped per (session, ciphersuite, key_version); an empty SessionID means
// the key is transient and must never be persisted.
type SignatureKeyID struct {
	SessionID   string `json:"session_id"`
	Ciphersuite uint16 `json:"ciphersuite"`
	KeyVersion  uint8  `json:"key_version"`
}

func (id SignatureKeyID) key() string {
	return fmt.Sprintf("%s/%d/%d", id.SessionID, id.Ciphersuite, id.KeyVersion)
}

// Preferences holds persistent send-path tuning knobs, mirroring
// internal/voicedsp's Config (dBFS levels) plus the starting bitrate.
type Preferences struct {
	GateEnabled     bool    `json:"gate_enabled"`
	GateFloorDB     float64 `json:"gate_floor_db"`
	LevelerEnabled  bool    `json:"leveler_enabled"`
	LevelerTargetDB float64 `json:"leveler_target_db"`
	SpeechFloorDB   float64 `json:"speech_floor_db"`

	StartingBitrateKbps int `json:"starting_bitrate_kbps"`
}

// DefaultPreferences returns sensible starting values for a new identity,
// matching voicedsp.DefaultConfig.
func DefaultPreferences() Preferences {
	return Preferences{
		GateEnabled:         true,
		GateFloorDB:         -60,
		LevelerEnabled:      true,
		LevelerTargetDB:     -14,
		SpeechFloorDB:       -46,
		StartingBitrateKbps: 32,
	}
}

// Config is the full persisted document.
type Config struct {
	Preferences   Preferences               `json:"preferences"`
	Servers       []ServerEntry             `json:"servers"`
	SignatureKeys map[string][]byte         `json:"signature_keys"` // keyed by SignatureKeyID.key(), base64 via encoding/json
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Preferences:   DefaultPreferences(),
		SignatureKeys: make(map[string][]byte),
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "dvoice", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error, matching the
// client's existing "never fail startup over a preferences file" stance.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	if cfg.SignatureKeys == nil {
		cfg.SignatureKeys = make(map[string][]byte)
	}
	return cfg
}

// Save writes cfg to disk atomically: it writes to a temp file in the same
// directory and renames over the destination, so a crash mid-write never
// leaves a truncated config (and, critically, never a truncated signature
// key) behind.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// SignatureKey returns the persisted private key bytes for id, if any.
func (c Config) SignatureKey(id SignatureKeyID) ([]byte, bool) {
	if id.SessionID == "" {
		return nil, false
	}
	key, ok := c.SignatureKeys[id.key()]
	return key, ok
}

// SetSignatureKey stores (or overwrites) the private key bytes for id. A
// transient id (empty SessionID) is rejected: transient keys must never
// reach disk.
func (c *Config) SetSignatureKey(id SignatureKeyID, priv []byte) error {
	if id.SessionID == "" {
		return fmt.Errorf("config: refusing to persist a transient signature key")
	}
	if c.SignatureKeys == nil {
		c.SignatureKeys = make(map[string][]byte)
	}
	c.SignatureKeys[id.key()] = priv
	return nil
}
