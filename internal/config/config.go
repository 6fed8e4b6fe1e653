// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Chats       ChatsConfig       `yaml:"chats"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

type ChatsConfig struct {
	Max               int    `yaml:"max"`
	AgentBin          string `yaml:"agent_bin"`
	ReadyDelayMs      int    `yaml:"ready_delay_ms"`
	GracefulTimeoutMs int    `yaml:"graceful_timeout_ms"`
}

type TranscriptsConfig struct {
	Enabled bool   `yaml:"enabled"`
	RootDir string `yaml:"root_dir"`
}

// ReadyDelay returns the spawn grace period as a duration.
func (c ChatsConfig) ReadyDelay() time.Duration {
	return time.Duration(c.ReadyDelayMs) * time.Millisecond
}

// GracefulTimeout returns the stop grace period as a duration.
func (c ChatsConfig) GracefulTimeout() time.Duration {
	return time.Duration(c.GracefulTimeoutMs) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8420,
			StaticDir: "./frontend/dist",
		},
		Chats: ChatsConfig{
			Max:               10,
			AgentBin:          "claude",
			ReadyDelayMs:      300,
			GracefulTimeoutMs: 5000,
		},
		Transcripts: TranscriptsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file, fills in defaults, and applies environment
// overrides. An empty path returns the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		applyDefaults(cfg)
	}

	applyEnv(cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Chats.Max <= 0 {
		return nil, fmt.Errorf("chats.max must be positive, got %d", cfg.Chats.Max)
	}

	return cfg, nil
}

// applyDefaults restores defaults for fields the file left zero.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = def.Server.StaticDir
	}
	if cfg.Chats.Max == 0 {
		cfg.Chats.Max = def.Chats.Max
	}
	if cfg.Chats.AgentBin == "" {
		cfg.Chats.AgentBin = def.Chats.AgentBin
	}
	if cfg.Chats.ReadyDelayMs == 0 {
		cfg.Chats.ReadyDelayMs = def.Chats.ReadyDelayMs
	}
	if cfg.Chats.GracefulTimeoutMs == 0 {
		cfg.Chats.GracefulTimeoutMs = def.Chats.GracefulTimeoutMs
	}
}

// applyEnv overrides config fields from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := os.Getenv("MAX_CHATS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chats.Max = n
		}
	}
	if v := os.Getenv("AGENT_BIN"); v != "" {
		cfg.Chats.AgentBin = v
	}
	if v := os.Getenv("TRANSCRIPT_ROOT"); v != "" {
		cfg.Transcripts.RootDir = v
	}
}
