// Package config implements Union Square's layered configuration: a
// DefaultConfig baseline, a TOML-file overlay, and an environment-variable
// overlay applied on top, in that precedence order. The only CLI flag,
// --config in cmd/unionsquare, selects the TOML file; no flag overrides an
// individual option.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Overflow mirrors ringbuffer.Overflow's three policies as a config-file
// string so the TOML schema doesn't need to import the ringbuffer package.
type Overflow string

const (
	OverflowDrop         Overflow = "drop"
	OverflowBackpressure Overflow = "backpressure"
	OverflowHybrid       Overflow = "hybrid"
)

// ProviderConfig is one entry of the `providers.<id>` table. Region is
// only meaningful for providers.bedrock, whose upstream host is
// region-qualified rather than a single fixed base URL.
type ProviderConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	Region  string `toml:"region"`
}

// RingBufferConfig is the `ring_buffer.*` table.
type RingBufferConfig struct {
	SlotSize    int      `toml:"slot_size"`
	SlotCount   int      `toml:"slot_count"`
	Overflow    Overflow `toml:"overflow"`
	WaitUs      int      `toml:"wait_us"`      // backpressure
	ThresholdUs int      `toml:"threshold_us"` // hybrid
}

// AssemblerConfig is the `assembler.*` table.
type AssemblerConfig struct {
	TimeoutMs int `toml:"timeout_ms"`
}

// AuditConfig is the `audit.*` table.
type AuditConfig struct {
	RetryAttempts int `toml:"retry_attempts"`
}

// CacheConfig is the `cache.*` table. Union Square's cache layer itself
// is a plug-in port; these fields are parsed but not validated, and
// nothing in this module reads them.
type CacheConfig struct {
	Enabled      bool `toml:"enabled"`
	TTLSeconds   int  `toml:"ttl_seconds"`
	MaxMemoryMB  int  `toml:"max_memory_mb"`
}

// PrivacyConfig is the `privacy.*` table.
type PrivacyConfig struct {
	HonorDoNotRecord bool `toml:"honor_do_not_record"`
}

// ServerConfig is the `server.*` table.
type ServerConfig struct {
	Listen            string `toml:"listen"`
	MaxHeaderBytes    int    `toml:"max_header_bytes"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Server      ServerConfig              `toml:"server"`
	Providers   map[string]ProviderConfig `toml:"providers"`
	RingBuffer  RingBufferConfig          `toml:"ring_buffer"`
	Assembler   AssemblerConfig           `toml:"assembler"`
	Audit       AuditConfig               `toml:"audit"`
	Cache       CacheConfig               `toml:"cache"`
	Privacy     PrivacyConfig             `toml:"privacy"`
	DataDir     string                    `toml:"data_dir"`
	ShutdownGraceSeconds int              `toml:"shutdown_grace"`
}

// DefaultConfig is 64 KiB slots, a 4096-slot ring, Drop overflow, and a
// conservative assembler/audit posture.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:         ":8080",
			MaxHeaderBytes: 8 * 1024,
		},
		Providers: map[string]ProviderConfig{
			"openai":    {Enabled: true, BaseURL: "https://api.openai.com"},
			"anthropic": {Enabled: true, BaseURL: "https://api.anthropic.com"},
			"bedrock":   {Enabled: false, Region: "us-east-1"},
			"vertex-ai": {Enabled: false, BaseURL: "https://aiplatform.googleapis.com"},
		},
		RingBuffer: RingBufferConfig{
			SlotSize:  64 * 1024,
			SlotCount: 4096,
			Overflow:  OverflowDrop,
		},
		Assembler: AssemblerConfig{
			TimeoutMs: 5000,
		},
		Audit: AuditConfig{
			RetryAttempts: 3,
		},
		Cache: CacheConfig{
			Enabled: false,
		},
		Privacy: PrivacyConfig{
			HonorDoNotRecord: true,
		},
		DataDir:              "./data",
		ShutdownGraceSeconds: 30,
	}
}

// LoadFromTOML unmarshals data over a copy of DefaultConfig, so the file
// only needs to name what it changes.
func LoadFromTOML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse TOML: %w", err)
	}
	return cfg, nil
}

// env var names for the options that can be overridden from the
// environment; kept together so Load and documentation stay in sync.
const (
	envListen        = "UNIONSQUARE_SERVER_LISTEN"
	envDataDir       = "UNIONSQUARE_DATA_DIR"
	envShutdownGrace = "UNIONSQUARE_SHUTDOWN_GRACE"
	envRBSlotSize    = "UNIONSQUARE_RING_BUFFER_SLOT_SIZE"
	envRBSlotCount   = "UNIONSQUARE_RING_BUFFER_SLOT_COUNT"
	envRBOverflow    = "UNIONSQUARE_RING_BUFFER_OVERFLOW"
	envAssemblerMs   = "UNIONSQUARE_ASSEMBLER_TIMEOUT_MS"
	envAuditRetries  = "UNIONSQUARE_AUDIT_RETRY_ATTEMPTS"
	envHonorDNR      = "UNIONSQUARE_PRIVACY_HONOR_DO_NOT_RECORD"
)

// LoadFromEnv overlays recognized environment variables onto cfg. Each
// variable is independently optional, and a malformed integer is ignored
// rather than treated as fatal (the TOML file or default stands).
func LoadFromEnv(cfg Config) Config {
	if v := os.Getenv(envListen); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envShutdownGrace); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownGraceSeconds = n
		}
	}
	if v := os.Getenv(envRBSlotSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RingBuffer.SlotSize = n
		}
	}
	if v := os.Getenv(envRBSlotCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RingBuffer.SlotCount = n
		}
	}
	if v := os.Getenv(envRBOverflow); v != "" {
		cfg.RingBuffer.Overflow = Overflow(v)
	}
	if v := os.Getenv(envAssemblerMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Assembler.TimeoutMs = n
		}
	}
	if v := os.Getenv(envAuditRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.RetryAttempts = n
		}
	}
	if v := os.Getenv(envHonorDNR); v != "" {
		cfg.Privacy.HonorDoNotRecord = v == "true" || v == "1"
	}
	return cfg
}

// Load reads configPath (if non-empty) as TOML over DefaultConfig, then
// overlays the environment, then validates. There is no config-file
// auto-discovery: cmd/unionsquare binds --config explicitly rather than
// searching well-known paths.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		cfg, err = LoadFromTOML(data)
		if err != nil {
			return Config{}, err
		}
	}

	cfg = LoadFromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate enforces the fatal startup invariants: a violation exits the
// process before it accepts traffic.
func Validate(cfg Config) error {
	if !isPowerOfTwo(cfg.RingBuffer.SlotCount) {
		return fmt.Errorf("config: ring_buffer.slot_count must be a power of two, got %d", cfg.RingBuffer.SlotCount)
	}
	if !isPowerOfTwo(cfg.RingBuffer.SlotSize) || cfg.RingBuffer.SlotSize < 4096 {
		return fmt.Errorf("config: ring_buffer.slot_size must be a power of two >= 4096, got %d", cfg.RingBuffer.SlotSize)
	}
	switch cfg.RingBuffer.Overflow {
	case OverflowDrop, OverflowBackpressure, OverflowHybrid:
	default:
		return fmt.Errorf("config: ring_buffer.overflow must be one of drop|backpressure|hybrid, got %q", cfg.RingBuffer.Overflow)
	}
	if cfg.Assembler.TimeoutMs <= 0 {
		return fmt.Errorf("config: assembler.timeout_ms must be positive, got %d", cfg.Assembler.TimeoutMs)
	}
	if cfg.Audit.RetryAttempts < 0 {
		return fmt.Errorf("config: audit.retry_attempts must be non-negative, got %d", cfg.Audit.RetryAttempts)
	}
	if cfg.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("config: shutdown_grace must be non-negative, got %d", cfg.ShutdownGraceSeconds)
	}
	return nil
}

// ShutdownGrace returns ShutdownGraceSeconds as a time.Duration for direct
// use with signal-handling contexts.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// AssemblerTimeout returns Assembler.TimeoutMs as a time.Duration.
func (c Config) AssemblerTimeout() time.Duration {
	return time.Duration(c.Assembler.TimeoutMs) * time.Millisecond
}
