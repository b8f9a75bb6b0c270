// Package config loads relay configuration from YAML with environment
// overrides. Every field has a default so the relay boots with no file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Auth    AuthConfig    `yaml:"auth"`
	Market  MarketConfig  `yaml:"market"`
	Dispute DisputeConfig `yaml:"dispute"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
}

type ServerConfig struct {
	TCPPort  int    `yaml:"tcp_port"`
	HTTPPort int    `yaml:"http_port"`
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
}

type LimitsConfig struct {
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
	PreauthBudget int     `yaml:"preauth_budget"`
	ReplayWindow  int     `yaml:"replay_window"`
	WriteQueue    int     `yaml:"write_queue"`
	MaxFrameBytes int     `yaml:"max_frame_bytes"`
}

type AuthConfig struct {
	ChallengeTTLSeconds int    `yaml:"challenge_ttl_seconds"`
	AllowlistEnabled    bool   `yaml:"allowlist_enabled"`
	AllowlistStrict     bool   `yaml:"allowlist_strict"`
	AdminKey            string `yaml:"admin_key"`
}

type MarketConfig struct {
	ProposalTTLHours int `yaml:"proposal_ttl_hours"`
}

type DisputeConfig struct {
	RevealTimeoutMinutes   int     `yaml:"reveal_timeout_minutes"`
	ResponseTimeoutMinutes int     `yaml:"response_timeout_minutes"`
	EvidenceWindowMinutes  int     `yaml:"evidence_window_minutes"`
	VoteWindowMinutes      int     `yaml:"vote_window_minutes"`
	PanelSize              int     `yaml:"panel_size"`
	ReplacementCap         int     `yaml:"replacement_cap"`
	MinRating              int     `yaml:"min_rating"`
	MinTransactions        int     `yaml:"min_transactions"`
	IndependenceDays       int     `yaml:"independence_days"`
	FilingFee              float64 `yaml:"filing_fee"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPPort:  6667,
			HTTPPort: 8080,
			Name:     "agentchat",
			Env:      "development",
		},
		Limits: LimitsConfig{
			RatePerSec:    1,
			Burst:         10,
			PreauthBudget: 10,
			ReplayWindow:  50,
			WriteQueue:    256,
			MaxFrameBytes: 512 * 1024,
		},
		Auth: AuthConfig{
			ChallengeTTLSeconds: 120,
		},
		Market: MarketConfig{
			ProposalTTLHours: 24,
		},
		Dispute: DisputeConfig{
			RevealTimeoutMinutes:   10,
			ResponseTimeoutMinutes: 30,
			EvidenceWindowMinutes:  60,
			VoteWindowMinutes:      60,
			PanelSize:              3,
			ReplacementCap:         2,
			MinRating:              1200,
			MinTransactions:        10,
			IndependenceDays:       30,
			FilingFee:              10,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Redis: RedisConfig{
			ChannelPrefix: "agentchat:events:",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// AGENTCHAT_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTCHAT_TCP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.TCPPort = n
		}
	}
	if v := os.Getenv("AGENTCHAT_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = n
		}
	}
	if v := os.Getenv("AGENTCHAT_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("AGENTCHAT_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("AGENTCHAT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("AGENTCHAT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AGENTCHAT_ADMIN_KEY"); v != "" {
		c.Auth.AdminKey = v
	}
	if v := os.Getenv("AGENTCHAT_ALLOWLIST"); v != "" {
		c.Auth.AllowlistEnabled = v == "true" || v == "1"
	}
}

// ChallengeTTL returns the auth challenge lifetime.
func (c *AuthConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}

// ProposalTTL returns how long a PENDING proposal stays actionable.
func (c *MarketConfig) ProposalTTL() time.Duration {
	return time.Duration(c.ProposalTTLHours) * time.Hour
}

// RevealTimeout returns the commit-to-reveal deadline.
func (c *DisputeConfig) RevealTimeout() time.Duration {
	return time.Duration(c.RevealTimeoutMinutes) * time.Minute
}

// ResponseTimeout returns the arbiter accept/decline deadline.
func (c *DisputeConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMinutes) * time.Minute
}

// EvidenceWindow returns the evidence submission window.
func (c *DisputeConfig) EvidenceWindow() time.Duration {
	return time.Duration(c.EvidenceWindowMinutes) * time.Minute
}

// VoteWindow returns the deliberation deadline.
func (c *DisputeConfig) VoteWindow() time.Duration {
	return time.Duration(c.VoteWindowMinutes) * time.Minute
}

// IndependenceWindow returns how recently an agent may have been involved in
// a dispute and still sit on a panel.
func (c *DisputeConfig) IndependenceWindow() time.Duration {
	return time.Duration(c.IndependenceDays) * 24 * time.Hour
}
