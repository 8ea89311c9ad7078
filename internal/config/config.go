// Package config handles application configuration from environment variables
// and the optional YAML policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/engine"
	"github.com/mbd888/autonomy/internal/risk"
	"github.com/mbd888/autonomy/internal/usage"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, in-memory state if not set)
	DatabaseURL string

	// Engine
	Level           autonomy.Level
	ApprovalTTL     time.Duration
	NotifyOnNewItem bool
	SweepInterval   time.Duration
	RetainResolved  int
	AutoStart       bool
	PolicyFile      string
	Policy          Policy

	// HTTP
	RateLimitRPM   int
	OperatorTokens string // name:token,name:token
	CORSOrigins    []string

	// Tracing
	OTLPEndpoint string
}

// Policy is the YAML policy file. Dangerous entries extend the built-in
// list; they never replace it.
type Policy struct {
	Dangerous []risk.TypeKey         `yaml:"dangerous"`
	Blocked   []risk.TypeKey         `yaml:"blocked"`
	Rules     []risk.RuleSpec        `yaml:"rules"`
	Limits    map[string]usage.Limit `yaml:"limits"`
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultRateLimitRPM   = 120
	DefaultApprovalTTL    = approval.DefaultTTL
	DefaultSweepInterval  = approval.DefaultSweepInterval
	DefaultRetainResolved = approval.DefaultRetainResolved
)

// Load reads configuration from environment variables. It loads a .env
// file if present (for local development) and the policy file if
// POLICY_FILE is set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Level:           autonomy.Level(p.int("AUTONOMY_LEVEL", int(autonomy.DefaultLevel))),
		ApprovalTTL:     p.duration("APPROVAL_TTL", DefaultApprovalTTL),
		NotifyOnNewItem: p.bool("APPROVAL_NOTIFY_ON_NEW_ITEM", true),
		SweepInterval:   p.duration("APPROVAL_SWEEP_INTERVAL", DefaultSweepInterval),
		RetainResolved:  p.int("APPROVAL_RETAIN_RESOLVED", DefaultRetainResolved),
		AutoStart:       p.bool("AUTOSTART", true),
		PolicyFile:      os.Getenv("POLICY_FILE"),
		RateLimitRPM:    p.int("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		OperatorTokens:  os.Getenv("OPERATOR_TOKENS"),
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPolicy reads and decodes a YAML policy file. Unknown keys are an
// error so typos do not silently weaken the policy.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	var policy Policy
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return &policy, nil
}

// Validate checks that all configuration is usable
func (c *Config) Validate() error {
	if !c.Level.Valid() {
		return fmt.Errorf("AUTONOMY_LEVEL must be between 1 and 4 (got %d)", c.Level)
	}
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("APPROVAL_TTL must be positive (got %s)", c.ApprovalTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("APPROVAL_SWEEP_INTERVAL must be positive (got %s)", c.SweepInterval)
	}
	if c.RetainResolved < 0 {
		return fmt.Errorf("APPROVAL_RETAIN_RESOLVED must not be negative (got %d)", c.RetainResolved)
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive (got %d)", c.RateLimitRPM)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.IsProduction() && c.OperatorTokens == "" {
		return fmt.Errorf("OPERATOR_TOKENS is required in production")
	}
	// Surface policy mistakes at startup rather than at first use.
	if _, err := risk.NewClassifier(c.riskConfig()); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := usage.ValidateLimits(c.Policy.Limits); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// EngineConfig builds the engine configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Level: c.Level,
		Approval: engine.ApprovalConfig{
			NotifyOnNewItem: c.NotifyOnNewItem,
			TTL:             c.ApprovalTTL,
			SweepInterval:   c.SweepInterval,
			RetainResolved:  c.RetainResolved,
		},
		Limits: c.Policy.Limits,
		Policy: c.riskConfig(),
	}
}

func (c *Config) riskConfig() risk.Config {
	return risk.Config{
		Dangerous: c.Policy.Dangerous,
		Blocked:   c.Policy.Blocked,
		Rules:     c.Policy.Rules,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser reads typed env vars and keeps the first malformed one.
type parser struct {
	err error
}

func (p *parser) fail(key, value, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s=%q is not a valid %s", key, value, want)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, "integer")
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, "boolean")
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, "duration (e.g. 30s, 24h)")
		return def
	}
	return d
}
