package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStreamingCacheMaxBytes int64 = 250 * 1024 * 1024
	DefaultRequestsPerSecond            = 5.0
	MaxDownloadConcurrency              = 3
)

type Config struct {
	DataDir                string   `json:"data_dir"                  yaml:"data_dir"`
	API                    API      `json:"api"                       yaml:"api"`
	Quality                string   `json:"quality"                   yaml:"quality"`
	StreamingCacheMaxBytes int64    `json:"streaming_cache_max_bytes" yaml:"streaming_cache_max_bytes"`
	Download               Download `json:"download"                  yaml:"download"`
	Log                    Log      `json:"log"                       yaml:"log"`
}

type API struct {
	BaseURL           string  `json:"base_url"            yaml:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

type Download struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

type Log struct {
	Format     string `json:"format"      yaml:"format"`
	File       string `json:"file"        yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

func (cfg *Config) FormatDBPath() string {
	return filepath.Join(cfg.DataDir, "tunestream.db")
}

func (cfg *Config) DownloadIndexDir() string {
	return filepath.Join(cfg.DataDir, "download-index")
}

func (cfg *Config) DownloadCacheDir() string {
	return filepath.Join(cfg.DataDir, "cache", "download")
}

func (cfg *Config) StreamingCacheDir() string {
	return filepath.Join(cfg.DataDir, "cache", "streaming")
}

func (cfg *Config) applyDefaults() {
	if cfg.Quality == "" {
		cfg.Quality = "auto"
	}
	if cfg.StreamingCacheMaxBytes == 0 {
		cfg.StreamingCacheMaxBytes = DefaultStreamingCacheMaxBytes
	}
	if cfg.API.RequestsPerSecond == 0 {
		cfg.API.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Download.Concurrency == 0 {
		cfg.Download.Concurrency = MaxDownloadConcurrency
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "pretty"
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 20
	}
}

func (cfg *Config) validate() error {
	if cfg.DataDir == "" {
		return errors.New("data dir is empty")
	}

	if cfg.API.BaseURL == "" {
		return errors.New("api base url is empty")
	}
	if u, err := url.Parse(cfg.API.BaseURL); nil != err || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api base url %q is not an absolute URL", cfg.API.BaseURL)
	}

	if cfg.API.RequestsPerSecond < 0 {
		return errors.New("api requests per second must not be negative")
	}

	switch cfg.Quality {
	case "auto", "high", "low":
	default:
		return fmt.Errorf("unsupported quality %q", cfg.Quality)
	}

	if cfg.StreamingCacheMaxBytes < 0 {
		return errors.New("streaming cache max bytes must not be negative")
	}

	switch cfg.Log.Format {
	case "pretty", "json":
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Log.Format)
	}

	if c := cfg.Download.Concurrency; c < 1 || c > MaxDownloadConcurrency {
		return fmt.Errorf("download concurrency must be between 1 and %d, got %d", MaxDownloadConcurrency, c)
	}

	return nil
}

func FromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %q: %v", filePath, err)
	}

	cfg, err := FromString(string(data))
	if nil != err {
		return nil, fmt.Errorf("config file %q: %v", filePath, err)
	}
	return cfg, nil
}

func FromString(data string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(data), &cfg); nil != err {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}

	return &cfg, nil
}
