package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Engine      EngineConfig              `json:"engine"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// BlobBaseDir is where uploaded audio blobs are kept.
	BlobBaseDir string `json:"blob_base_dir"`
	// PublicBaseURL prefixes blob names to form the stored file_url.
	PublicBaseURL string `json:"public_base_url"`
	// MaxUploadMB caps a single upload; 0 means the built-in default.
	MaxUploadMB int `json:"max_upload_mb"`
	// SweepInterval is the stuck-run sweep period in minutes; 0 disables it.
	SweepInterval int `json:"sweep_interval"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Disabled skips redis entirely; the pipeline runs without the
	// status cache and SSE feeds stay silent.
	Disabled bool `json:"disabled"`
}

type EngineConfig struct {
	// BaseURL of the analysis engine service exposing /transcribe,
	// /analyze-events and /summarize-conversation.
	BaseURL string `json:"base_url"`
	// StageTimeoutSec bounds a single stage call; 0 means the default.
	StageTimeoutSec int `json:"stage_timeout_sec"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if cfg.Engine.BaseURL == "" {
		return nil, fmt.Errorf("engine base_url must be configured")
	}

	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" &&
		sqlite.DSN != ":memory:" && !filepath.IsAbs(sqlite.DSN) {
		sqlite.DSN = filepath.Join(filepath.Dir(absPath), sqlite.DSN)
		cfg.Databases["sqlite3"] = sqlite
	}

	return &cfg, nil
}
