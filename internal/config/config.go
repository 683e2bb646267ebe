// Package config loads the server configuration from YAML. Every knob
// has a usable default so an empty file boots a local workshop.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string `yaml:"addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	AdminCode     string `yaml:"admin_code"`

	DataDir   string `yaml:"data_dir"`
	AssetsDir string `yaml:"assets_dir"`
	DBPath    string `yaml:"db_path"`

	FlushIntervalMs int `yaml:"flush_interval_ms"`
	SessionQueue    int `yaml:"session_queue"`
	UploadMaxMB     int `yaml:"upload_max_mb"`

	Lock   LockConfig   `yaml:"lock"`
	Token  TokenConfig  `yaml:"token"`
	AI     AIConfig     `yaml:"ai"`
	Mirror MirrorConfig `yaml:"mirror"`
}

type LockConfig struct {
	DefaultTTLSec int `yaml:"default_ttl_sec"`
	MaxTTLSec     int `yaml:"max_ttl_sec"`
	SweepSec      int `yaml:"sweep_sec"`
}

type TokenConfig struct {
	Secret string `yaml:"secret"`
	TTLMin int    `yaml:"ttl_min"`
}

type AIConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	DeadlineSec int    `yaml:"deadline_sec"`
	DocsDir     string `yaml:"docs_dir"`
}

// MirrorConfig points at an S3-compatible bucket the asset store
// mirrors into. Empty endpoint disables mirroring.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	Workers   int    `yaml:"workers"`
}

func Defaults() Config {
	return Config{
		Addr:            ":8787",
		DataDir:         "data",
		AssetsDir:       "data/assets",
		DBPath:          "data/world.db",
		FlushIntervalMs: 50,
		SessionQueue:    256,
		UploadMaxMB:     100,
		Lock: LockConfig{
			DefaultTTLSec: 120,
			MaxTTLSec:     600,
			SweepSec:      10,
		},
		Token:  TokenConfig{TTLMin: 60},
		AI:     AIConfig{DeadlineSec: 120, Model: "default"},
		Mirror: MirrorConfig{Workers: 2},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// the defaults stand.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = 50
	}
	if c.SessionQueue <= 0 {
		c.SessionQueue = 256
	}
	if c.UploadMaxMB <= 0 {
		c.UploadMaxMB = 100
	}
	return c, nil
}

func (c Config) FlushInterval() time.Duration { return time.Duration(c.FlushIntervalMs) * time.Millisecond }

func (c Config) UploadMaxBytes() int64 { return int64(c.UploadMaxMB) << 20 }

func (l LockConfig) DefaultTTL() time.Duration { return time.Duration(l.DefaultTTLSec) * time.Second }

func (l LockConfig) MaxTTL() time.Duration { return time.Duration(l.MaxTTLSec) * time.Second }

func (l LockConfig) SweepEvery() time.Duration { return time.Duration(l.SweepSec) * time.Second }

func (t TokenConfig) TTL() time.Duration { return time.Duration(t.TTLMin) * time.Minute }

func (a AIConfig) Deadline() time.Duration { return time.Duration(a.DeadlineSec) * time.Second }
