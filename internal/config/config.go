// Package config provides configuration parsing and validation for qnet-htx.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Decoy     DecoyConfig     `yaml:"decoy"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Control   ControlConfig   `yaml:"control"`
}

// AgentConfig contains process-wide identity and logging settings.
type AgentConfig struct {
	ID        string `yaml:"id"`         // "auto" or hex string
	DataDir   string `yaml:"data_dir"`   // directory for persistent state (keypairs, caches)
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// BootstrapConfig configures the C8 seed-catalog source.
type BootstrapConfig struct {
	// Disabled mirrors STEALTH_DISABLE_BOOTSTRAP: bootstrap seeds are off
	// by default; set Disabled to false (or the env var to "0"/"false"/"off")
	// to enable seed resolution.
	Disabled bool `yaml:"disabled"`

	// CatalogFile names a JSON catalog envelope. Validate checks that a
	// key or AllowUnsigned accompanies it; bootstrap-check does not read
	// the file and takes the catalog from STEALTH_BOOTSTRAP_CATALOG_JSON.
	CatalogFile string `yaml:"catalog_file"`

	// PublicKeyHex verifies the catalog's Ed25519 signature.
	PublicKeyHex string `yaml:"public_key_hex"`

	// AllowUnsigned permits an unsigned catalog when PublicKeyHex is empty.
	AllowUnsigned bool `yaml:"allow_unsigned"`

	// CacheTTL is loaded but not passed to the seed cache, which keeps a
	// successfully-dialed seed for a fixed 24h.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DecoyConfig configures the C8 decoy-catalog source.
type DecoyConfig struct {
	CatalogFile   string `yaml:"catalog_file"`
	PublicKeyHex  string `yaml:"public_key_hex"`
	AllowUnsigned bool   `yaml:"allow_unsigned"`
}

// MirrorConfig configures C5 TLS-mirror template selection.
type MirrorConfig struct {
	// AllowlistFile names a JSON array of mirror.AllowEntry. It is not
	// read; template selection loads the allow-list from
	// STEALTH_TPL_ALLOWLIST.
	AllowlistFile string        `yaml:"allowlist_file"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// RotationConfig drives mux.RotationPolicy: the proactive key_update()
// trigger, independent of any peer-initiated rotation.
type RotationConfig struct {
	MaxFrames  uint64        `yaml:"max_frames"`
	MaxSeconds time.Duration `yaml:"max_seconds"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ControlConfig configures the local Unix-socket status endpoint.
type ControlConfig struct {
	// SocketPath, if non-empty, starts a status server at this path for the
	// duration of a dial/listen session.
	SocketPath string `yaml:"socket_path"`
}

// KeySize is the size of X25519/Ed25519 keys in bytes.
const KeySize = 32

// GetBootstrapPublicKey returns the parsed bootstrap catalog public key.
func (c *Config) GetBootstrapPublicKey() ([KeySize]byte, error) {
	return parseHexKey(c.Bootstrap.PublicKeyHex, "bootstrap.public_key_hex")
}

// GetDecoyPublicKey returns the parsed decoy catalog public key.
func (c *Config) GetDecoyPublicKey() ([KeySize]byte, error) {
	return parseHexKey(c.Decoy.PublicKeyHex, "decoy.public_key_hex")
}

func parseHexKey(value, field string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if value == "" {
		return key, fmt.Errorf("%s not configured", field)
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return key, fmt.Errorf("invalid %s hex: %w", field, err)
	}
	if len(decoded) != KeySize {
		return key, fmt.Errorf("%s must be %d bytes, got %d", field, KeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// resolveBootstrapDisabled applies STEALTH_DISABLE_BOOTSTRAP over yamlValue.
// Unset, it leaves yamlValue in effect. Set to "0", "false", or "off"
// (case-insensitive), it enables seeds; set to any other value, it forces
// them off. This
// mirrors STEALTH_BOOTSTRAP_ALLOW_UNSIGNED's truthy-check pattern inverted,
// since the variable disables disabling rather than enabling directly.
func resolveBootstrapDisabled(yamlValue bool) bool {
	raw, set := os.LookupEnv("STEALTH_DISABLE_BOOTSTRAP")
	if !set {
		return yamlValue
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "false", "off":
		return false
	default:
		return true
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Bootstrap: BootstrapConfig{
			Disabled:      resolveBootstrapDisabled(true),
			AllowUnsigned: false,
			CacheTTL:      24 * time.Hour,
		},
		Decoy: DecoyConfig{
			AllowUnsigned: false,
		},
		Mirror: MirrorConfig{
			CacheTTL: 24 * time.Hour,
		},
		Rotation: RotationConfig{
			MaxFrames:  1 << 20,
			MaxSeconds: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		Control: ControlConfig{
			SocketPath: "",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Bootstrap.Disabled = resolveBootstrapDisabled(cfg.Bootstrap.Disabled)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if !c.Bootstrap.Disabled && c.Bootstrap.CatalogFile != "" {
		if c.Bootstrap.PublicKeyHex == "" && !c.Bootstrap.AllowUnsigned {
			errs = append(errs, "bootstrap.public_key_hex is required when bootstrap.catalog_file is set, unless bootstrap.allow_unsigned is set")
		}
	}
	if c.Bootstrap.PublicKeyHex != "" {
		if _, err := c.GetBootstrapPublicKey(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Decoy.CatalogFile != "" {
		if c.Decoy.PublicKeyHex == "" && !c.Decoy.AllowUnsigned {
			errs = append(errs, "decoy.public_key_hex is required when decoy.catalog_file is set, unless decoy.allow_unsigned is set")
		}
	}
	if c.Decoy.PublicKeyHex != "" {
		if _, err := c.GetDecoyPublicKey(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Rotation.MaxFrames == 0 {
		errs = append(errs, "rotation.max_frames must be positive")
	}
	if c.Rotation.MaxSeconds <= 0 {
		errs = append(errs, "rotation.max_seconds must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users. The bootstrap/decoy public keys
// aren't secret (they verify, not sign) so they're left intact; nothing
// else in this config carries a private credential today.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	return redacted
}
