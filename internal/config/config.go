// Package config loads the router's JSON5 configuration file, overlays
// environment variables, and provides masked copies safe to log.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Config is the router's top-level configuration. Populated once at startup
// by Load; not mutated concurrently thereafter.
type Config struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DataDir string `json:"dataDir"`

	// AdminBearer is an optional fixed bearer token accepted in addition to
	// issued tokens, for bootstrapping the CLI before any token exists.
	AdminBearer string `json:"adminBearer"`

	CORS struct {
		AllowOrigins []string `json:"allowOrigins"`
	} `json:"cors"`

	OTLPEndpoint string `json:"otlpEndpoint"`

	RateLimit struct {
		Capacity         int `json:"capacity"`
		RefillRate       int `json:"refillRate"`
		RefillIntervalMs int `json:"refillIntervalMs"`
	} `json:"rateLimit"`
}

// Defaults matches spec §4.7 and §6.
func Defaults() *Config {
	c := &Config{
		Host:    "127.0.0.1",
		Port:    3282,
		DataDir: defaultDataDir(),
	}
	c.RateLimit.Capacity = 100
	c.RateLimit.RefillRate = 10
	c.RateLimit.RefillIntervalMs = 1000
	return c
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-router"
	}
	return filepath.Join(home, ".mcp-router")
}

// Load reads a JSON5 config file if present, starting from Defaults(), then
// overlays environment variables. Matches the teacher's config-file →
// stored-secrets → env precedence (config_secrets.go's ApplyDBSecrets),
// minus the "stored secrets" tier since the router keeps no config-file
// secrets — everything sensitive lives in the OS keychain (§4.6).
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	apply := func(envKey string, dst *string) {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
	apply("MCPR_HOST", &c.Host)
	apply("MCPR_DATA_DIR", &c.DataDir)
	apply("MCPR_TOKEN", &c.AdminBearer)
	if v := os.Getenv("MCPR_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			c.Port = p
		}
	}
	if v := os.Getenv("MCPR_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
}

// Addr returns the "host:port" listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaskedCopy returns a copy with AdminBearer masked, safe to log or return
// from a diagnostics endpoint. Mirrors config_secrets.go's MaskedCopy: never
// mutate the live config, always work on a copy.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	if cp.AdminBearer != "" {
		cp.AdminBearer = "***"
	}
	return &cp
}
