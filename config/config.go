package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "mesh-relay"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MESH_RELAY_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 9797
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// DefaultHeartbeatInterval is the presence heartbeat period.
	DefaultHeartbeatInterval = 15 * time.Second
	// MinTimeoutMultiplier is the smallest allowed membership timeout in heartbeat periods.
	MinTimeoutMultiplier = 3

	// UnknownKeyPlaintext sends unicast content in clear when no peer key is known.
	UnknownKeyPlaintext = "plaintext"
	// UnknownKeyReject refuses unicast sends when no peer key is known.
	UnknownKeyReject = "reject"

	DefaultInboundRatePerSec = 50.0
	DefaultInboundBurst      = 100

	configFileName = "config.json"
	// idDelimiter must never appear in identities; it separates envelope fields.
	idDelimiter = "|"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID              string   `json:"node_id"`
	DisplayName         string   `json:"display_name"`
	PortMode            string   `json:"port_mode"`
	ListeningPort       int      `json:"listening_port"`
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	MembershipTimeoutMS int64    `json:"membership_timeout_ms"`
	SeenCapacity        int      `json:"seen_capacity"`
	UnknownKeyPolicy    string   `json:"unknown_key_policy"`
	InboundRatePerSec   float64  `json:"inbound_rate_per_sec"`
	InboundBurst        int      `json:"inbound_burst"`
	DiscoveryEnabled    bool     `json:"discovery_enabled"`
	MetricsAddress      string   `json:"metrics_address"`
	LogLevel            string   `json:"log_level"`
	Peers               []string `json:"peers,omitempty"`
}

// HeartbeatInterval returns the presence heartbeat period.
func (c *NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// MembershipTimeout returns how long a member stays listed without a heartbeat.
func (c *NodeConfig) MembershipTimeout() time.Duration {
	return time.Duration(c.MembershipTimeoutMS) * time.Millisecond
}

// FailClosed reports whether unicast sends without a known key are refused.
func (c *NodeConfig) FailClosed() bool {
	return c.UnknownKeyPolicy == UnknownKeyReject
}

// ListenAddress returns the TCP listen address for the current port mode.
func (c *NodeConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// Validate rejects settings the mesh cannot run with.
func (c *NodeConfig) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if strings.Contains(c.NodeID, idDelimiter) {
		return fmt.Errorf("node_id %q must not contain %q", c.NodeID, idDelimiter)
	}
	if c.HeartbeatIntervalMS <= 0 {
		return errors.New("heartbeat_interval_ms must be > 0")
	}
	if c.MembershipTimeoutMS < c.HeartbeatIntervalMS*MinTimeoutMultiplier {
		return fmt.Errorf("membership_timeout_ms must be at least %dx heartbeat_interval_ms", MinTimeoutMultiplier)
	}
	if c.SeenCapacity < 0 {
		return errors.New("seen_capacity must be >= 0")
	}
	if normalizeKeyPolicy(c.UnknownKeyPolicy) == "" {
		return fmt.Errorf("invalid unknown_key_policy %q", c.UnknownKeyPolicy)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESH_RELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %q: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *NodeConfig {
	cfg := &NodeConfig{
		NodeID:           uuid.NewString(),
		DisplayName:      defaultDisplayName(),
		PortMode:         PortModeAutomatic,
		DiscoveryEnabled: true,
	}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Mesh Node"
}

func normalizeDefaults(cfg *NodeConfig) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.HeartbeatIntervalMS <= 0 {
		cfg.HeartbeatIntervalMS = DefaultHeartbeatInterval.Milliseconds()
		updated = true
	}
	if minTimeout := cfg.HeartbeatIntervalMS * MinTimeoutMultiplier; cfg.MembershipTimeoutMS < minTimeout {
		cfg.MembershipTimeoutMS = minTimeout
		updated = true
	}
	if cfg.SeenCapacity < 0 {
		cfg.SeenCapacity = 0
		updated = true
	}

	policy := normalizeKeyPolicy(cfg.UnknownKeyPolicy)
	if policy == "" {
		policy = UnknownKeyPlaintext
	}
	if cfg.UnknownKeyPolicy != policy {
		cfg.UnknownKeyPolicy = policy
		updated = true
	}

	if cfg.InboundRatePerSec <= 0 {
		cfg.InboundRatePerSec = DefaultInboundRatePerSec
		updated = true
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = DefaultInboundBurst
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func normalizeKeyPolicy(policy string) string {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case UnknownKeyPlaintext:
		return UnknownKeyPlaintext
	case UnknownKeyReject:
		return UnknownKeyReject
	default:
		return ""
	}
}
