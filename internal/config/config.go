// Package config loads the service configuration from an optional JSON
// file layered over built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Config struct {
	ListenAddr   string `json:"listen_addr"`
	DataDir      string `json:"data_dir"`
	OutputDir    string `json:"output_dir"`
	SegmentStore string `json:"segment_store"` // badger, disk or memory

	UserAgent    string            `json:"user_agent"`
	ExtraHeaders map[string]string `json:"headers"` // forwarded on every upstream request

	// Workers is the fixed pool size. Zero lets the downloader pick a
	// size from the playlist length.
	Workers            int `json:"workers"`
	SegmentTimeoutSec  int `json:"segment_timeout_sec"`
	MaxAttempts        int `json:"max_attempts"`
	BackoffBaseMS      int `json:"backoff_base_ms"`
	ProgressIntervalMS int `json:"progress_interval_ms"`
	MaxManifestDepth   int `json:"max_manifest_depth"`

	TranscodeRPCURL  string `json:"transcode_rpc_url"`
	TranscodeSecret  string `json:"transcode_secret"`
	TranscodePollSec int    `json:"transcode_poll_sec"`

	LogLevel string `json:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":8084",
		DataDir:            "./data",
		OutputDir:          "./downloads",
		SegmentStore:       "badger",
		UserAgent:          defaultUserAgent,
		SegmentTimeoutSec:  30,
		MaxAttempts:        5,
		BackoffBaseMS:      500,
		ProgressIntervalMS: 500,
		MaxManifestDepth:   4,
		TranscodePollSec:   2,
		LogLevel:           "info",
	}
}

// Load reads the JSON file at path over the defaults. A missing file is
// not an error; the defaults are used as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize backfills zero or nonsensical values so a partial config
// file cannot disable retries or timeouts by accident.
func (c *Config) normalize() {
	def := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.SegmentStore == "" {
		c.SegmentStore = def.SegmentStore
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.SegmentTimeoutSec <= 0 {
		c.SegmentTimeoutSec = def.SegmentTimeoutSec
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBaseMS <= 0 {
		c.BackoffBaseMS = def.BackoffBaseMS
	}
	if c.ProgressIntervalMS <= 0 {
		c.ProgressIntervalMS = def.ProgressIntervalMS
	}
	if c.MaxManifestDepth <= 0 {
		c.MaxManifestDepth = def.MaxManifestDepth
	}
	if c.TranscodePollSec <= 0 {
		c.TranscodePollSec = def.TranscodePollSec
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

func (c Config) SegmentTimeout() time.Duration {
	return time.Duration(c.SegmentTimeoutSec) * time.Second
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMS) * time.Millisecond
}

func (c Config) TranscodePoll() time.Duration {
	return time.Duration(c.TranscodePollSec) * time.Second
}
