package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kelonet/dvoice/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if !cfg.Preferences.GateEnabled {
		t.Error("expected the noise gate enabled by default")
	}
	if !cfg.Preferences.LevelerEnabled {
		t.Error("expected the leveler enabled by default")
	}
	if cfg.Preferences.GateFloorDB >= cfg.Preferences.SpeechFloorDB {
		t.Error("the gate floor must sit below the speech floor")
	}
	if cfg.Preferences.StartingBitrateKbps != 32 {
		t.Errorf("expected default starting bitrate 32kbps, got %d", cfg.Preferences.StartingBitrateKbps)
	}
	if cfg.SignatureKeys == nil {
		t.Error("expected a non-nil signature key map")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Default()
	cfg.Preferences.StartingBitrateKbps = 48
	cfg.Servers = []config.ServerEntry{{Name: "Home", Addr: "192.168.1.10:8443"}}

	id := config.SignatureKeyID{SessionID: "session-1", Ciphersuite: 1, KeyVersion: 1}
	if err := cfg.SetSignatureKey(id, []byte("fake-ed25519-private-key-bytes-")); err != nil {
		t.Fatalf("SetSignatureKey: %v", err)
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Preferences.StartingBitrateKbps != 48 {
		t.Errorf("starting bitrate: want 48 got %d", loaded.Preferences.StartingBitrateKbps)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Addr != "192.168.1.10:8443" {
		t.Errorf("servers: unexpected value %+v", loaded.Servers)
	}
	key, ok := loaded.SignatureKey(id)
	if !ok {
		t.Fatal("expected signature key to round trip")
	}
	if string(key) != "fake-ed25519-private-key-bytes-" {
		t.Errorf("signature key mismatch: got %q", key)
	}
}

func TestSetSignatureKeyRejectsTransient(t *testing.T) {
	cfg := config.Default()
	transient := config.SignatureKeyID{Ciphersuite: 1, KeyVersion: 1}
	if err := cfg.SetSignatureKey(transient, []byte("x")); err == nil {
		t.Fatal("expected an error persisting a transient (no session id) signature key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.Preferences.StartingBitrateKbps == 0 {
		t.Error("expected non-zero default starting bitrate")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "dvoice", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if !cfg.Preferences.GateEnabled {
		t.Error("expected default preferences on corrupt file")
	}
}

func TestSaveCreatesDirectoryAndNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "dvoice", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
