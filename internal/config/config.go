package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration written as "10m", "30s" in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Headers   map[string]string `json:"headers"`
	ProxyPort int               `json:"proxy_port"`
	CacheDir  string            `json:"cache_dir"`
	LogLevel  string            `json:"log_level"`

	ChunkReadahead  int      `json:"chunk_readahead"`
	RefreshInterval Duration `json:"refresh_interval"`
	RequestTimeout  Duration `json:"request_timeout"`
	// ResumeMiss is "append", "wait" or "fail".
	ResumeMiss string `json:"resume_miss"`
}

var GlobalConfig = Default()

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		ProxyPort:       8084,
		CacheDir:        "./cache",
		LogLevel:        "info",
		ChunkReadahead:  3,
		RefreshInterval: Duration(10 * time.Minute),
		RequestTimeout:  Duration(2 * time.Minute),
		ResumeMiss:      "append",
	}
}

// LoadConfig overlays the JSON file at path on GlobalConfig. A missing file
// keeps the defaults.
func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &GlobalConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return GlobalConfig.Validate()
}

// Validate rejects values no session can run with.
func (c Config) Validate() error {
	if c.ChunkReadahead < 1 {
		return fmt.Errorf("chunk_readahead must be at least 1, got %d", c.ChunkReadahead)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	switch c.ResumeMiss {
	case "", "append", "wait", "fail":
	default:
		return fmt.Errorf("unknown resume_miss %q", c.ResumeMiss)
	}
	return nil
}
