package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8084" {
		t.Errorf("ListenAddr = %q, want :8084", cfg.ListenAddr)
	}
	if cfg.SegmentStore != "badger" {
		t.Errorf("SegmentStore = %q, want badger", cfg.SegmentStore)
	}
	if cfg.SegmentTimeout() != 30*time.Second {
		t.Errorf("SegmentTimeout() = %v, want 30s", cfg.SegmentTimeout())
	}
	if cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0 (auto)", cfg.Workers)
	}
}

func TestLoadPartialOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listen_addr": "127.0.0.1:9000",
		"segment_store": "disk",
		"workers": 4,
		"headers": {"X-Forwarded-For": "10.0.0.1"},
		"transcode_rpc_url": "http://localhost:6800/jsonrpc"
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.SegmentStore != "disk" {
		t.Errorf("SegmentStore = %q", cfg.SegmentStore)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.ExtraHeaders["X-Forwarded-For"] != "10.0.0.1" {
		t.Errorf("ExtraHeaders = %v", cfg.ExtraHeaders)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.BackoffBase() != 500*time.Millisecond {
		t.Errorf("BackoffBase() = %v, want 500ms", cfg.BackoffBase())
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail on malformed JSON")
	}
}

func TestNormalizeBackfillsZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"segment_timeout_sec": 0, "max_attempts": -1, "workers": -3}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SegmentTimeoutSec != 30 {
		t.Errorf("SegmentTimeoutSec = %d, want 30", cfg.SegmentTimeoutSec)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0", cfg.Workers)
	}
}
