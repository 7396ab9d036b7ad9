package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/plat/internal/otel"
)

// Handshake profiles accepted by the operator control channel.
const (
	HandshakeExchange = "exchange"
	HandshakeSalt     = "salt"
)

// Registration greetings sent to a plugin on connect.
const (
	GreetingPublicKey = "public_key"
	GreetingReady     = "ready"
)

type LivenessConfig struct {
	PingIntervalMs   int    `yaml:"ping_interval_ms"`
	SilenceTimeoutMs int    `yaml:"silence_timeout_ms"`
	PollSchedule     string `yaml:"poll_schedule"`
}

func (l LivenessConfig) PingInterval() time.Duration {
	return time.Duration(l.PingIntervalMs) * time.Millisecond
}

func (l LivenessConfig) SilenceTimeout() time.Duration {
	return time.Duration(l.SilenceTimeoutMs) * time.Millisecond
}

type ControlConfig struct {
	PingIntervalMs   int `yaml:"ping_interval_ms"`
	ReceiveTimeoutMs int `yaml:"receive_timeout_ms"`
}

func (c ControlConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c ControlConfig) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMs) * time.Millisecond
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// SandboxConfig bounds each component instance.
type SandboxConfig struct {
	MemoryLimitPages      uint32 `yaml:"memory_limit_pages"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	MaxBodyBytes          int64  `yaml:"max_body_bytes"`
}

func (s SandboxConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	DaemonDir string `yaml:"daemon_dir"`
	StaticDir string `yaml:"static_dir"`

	// AllowOrigins restricts which browser origins may open operator or
	// registration sockets. Empty accepts any origin.
	AllowOrigins []string `yaml:"allow_origins"`

	HandshakeProfile     string `yaml:"handshake_profile"`
	RegistrationGreeting string `yaml:"registration_greeting"`

	Liveness    LivenessConfig  `yaml:"liveness"`
	Control     ControlConfig   `yaml:"control"`
	MaxUploadMB int             `yaml:"max_upload_mb"`
	CORS        CORSConfig      `yaml:"cors"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Sandbox     SandboxConfig   `yaml:"sandbox"`
	OTel        otel.Config     `yaml:"otel"`

	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect trust and
// transport, reported by GET /api and `plat daemon status`.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|dir=%s|log=%s|handshake=%s|greeting=%s|ping=%d|silence=%d|poll=%s|origins=%v",
		c.BindAddr, c.DaemonDir, c.LogLevel, c.HandshakeProfile, c.RegistrationGreeting,
		c.Liveness.PingIntervalMs, c.Liveness.SilenceTimeoutMs, c.Liveness.PollSchedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// MaxUploadBytes is the install upload cap.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func Default() Config {
	return Config{
		BindAddr:             "127.0.0.1:7520",
		LogLevel:             "info",
		HandshakeProfile:     HandshakeExchange,
		RegistrationGreeting: GreetingPublicKey,
		Liveness: LivenessConfig{
			PingIntervalMs:   4000,
			SilenceTimeoutMs: 10000,
			PollSchedule:     "@every 5s",
		},
		Control: ControlConfig{
			PingIntervalMs:   5000,
			ReceiveTimeoutMs: 12000,
		},
		MaxUploadMB: 100,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Sandbox: SandboxConfig{
			MemoryLimitPages:      512,
			RequestTimeoutSeconds: 30,
			MaxBodyBytes:          10 << 20,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("PLAT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".plat")
}

// Load reads <PLAT_HOME>/config.yaml. A missing file is not an error; the
// returned config then has NeedsInit set.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create plat home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to config.yaml, creating the home directory if needed.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create plat home: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.DaemonDir) == "" {
		cfg.DaemonDir = filepath.Join(cfg.HomeDir, "daemon")
	}
	cfg.HandshakeProfile = strings.ToLower(strings.TrimSpace(cfg.HandshakeProfile))
	if cfg.HandshakeProfile == "" {
		cfg.HandshakeProfile = def.HandshakeProfile
	}
	cfg.RegistrationGreeting = strings.ToLower(strings.TrimSpace(cfg.RegistrationGreeting))
	if cfg.RegistrationGreeting == "" {
		cfg.RegistrationGreeting = def.RegistrationGreeting
	}
	if cfg.Liveness.PingIntervalMs <= 0 {
		cfg.Liveness.PingIntervalMs = def.Liveness.PingIntervalMs
	}
	if cfg.Liveness.SilenceTimeoutMs <= 0 {
		cfg.Liveness.SilenceTimeoutMs = def.Liveness.SilenceTimeoutMs
	}
	if strings.TrimSpace(cfg.Liveness.PollSchedule) == "" {
		cfg.Liveness.PollSchedule = def.Liveness.PollSchedule
	}
	if cfg.Control.PingIntervalMs <= 0 {
		cfg.Control.PingIntervalMs = def.Control.PingIntervalMs
	}
	if cfg.Control.ReceiveTimeoutMs <= 0 {
		cfg.Control.ReceiveTimeoutMs = def.Control.ReceiveTimeoutMs
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = def.MaxUploadMB
	}
	if cfg.Sandbox.MemoryLimitPages == 0 {
		cfg.Sandbox.MemoryLimitPages = def.Sandbox.MemoryLimitPages
	}
	if cfg.Sandbox.RequestTimeoutSeconds <= 0 {
		cfg.Sandbox.RequestTimeoutSeconds = def.Sandbox.RequestTimeoutSeconds
	}
	if cfg.Sandbox.MaxBodyBytes <= 0 {
		cfg.Sandbox.MaxBodyBytes = def.Sandbox.MaxBodyBytes
	}
}

func validate(cfg Config) error {
	switch cfg.HandshakeProfile {
	case HandshakeExchange, HandshakeSalt:
	default:
		return fmt.Errorf("handshake_profile %q: must be %q or %q", cfg.HandshakeProfile, HandshakeExchange, HandshakeSalt)
	}
	switch cfg.RegistrationGreeting {
	case GreetingPublicKey, GreetingReady:
	default:
		return fmt.Errorf("registration_greeting %q: must be %q or %q", cfg.RegistrationGreeting, GreetingPublicKey, GreetingReady)
	}
	// A plugin is pinged several times before it can be declared silent.
	if cfg.Liveness.SilenceTimeoutMs <= cfg.Liveness.PingIntervalMs {
		return fmt.Errorf("liveness.silence_timeout_ms (%d) must exceed liveness.ping_interval_ms (%d)",
			cfg.Liveness.SilenceTimeoutMs, cfg.Liveness.PingIntervalMs)
	}
	if cfg.Control.ReceiveTimeoutMs <= cfg.Control.PingIntervalMs {
		return fmt.Errorf("control.receive_timeout_ms (%d) must exceed control.ping_interval_ms (%d)",
			cfg.Control.ReceiveTimeoutMs, cfg.Control.PingIntervalMs)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PLAT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PLAT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PLAT_DAEMON_DIR"); raw != "" {
		cfg.DaemonDir = raw
	}
	if raw := os.Getenv("PLAT_STATIC_DIR"); raw != "" {
		cfg.StaticDir = raw
	}
	if raw := os.Getenv("PLAT_HANDSHAKE_PROFILE"); raw != "" {
		cfg.HandshakeProfile = raw
	}
	if raw := os.Getenv("PLAT_MAX_UPLOAD_MB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxUploadMB = v
		}
	}
}
