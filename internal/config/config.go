// Package config manages secprofd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Start9Labs/startwrt/internal/state"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete secprofd configuration.
type Config struct {
	Log        LogConfig                `koanf:"log"`
	Metrics    MetricsConfig            `koanf:"metrics"`
	Wifi       WifiConfig               `koanf:"wifi"`
	Addrwatch  AddrwatchConfig          `koanf:"addrwatch"`
	Firewall   FirewallConfig           `koanf:"firewall"`
	Profiles   map[string]ProfileConfig `koanf:"profiles"`
	KeyIDs     map[string]KeyIDConfig   `koanf:"keyids"`
	Interfaces map[string]string        `koanf:"interfaces"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9390").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// WifiConfig holds the hostapd monitoring configuration.
type WifiConfig struct {
	// Interfaces are the AP interface names to monitor (e.g., "phy0-ap0").
	Interfaces []string `koanf:"interfaces"`
	// CtrlDir is the directory holding hostapd's per-interface control
	// sockets.
	CtrlDir string `koanf:"ctrl_dir"`
}

// AddrwatchConfig holds the MAC-to-IP sniffer configuration.
type AddrwatchConfig struct {
	// Command is the address observer binary to spawn.
	Command string `koanf:"command"`
	// Args are extra arguments passed to the observer.
	Args []string `koanf:"args"`
}

// FirewallConfig holds the packet-filter backend configuration.
type FirewallConfig struct {
	// IptablesPath is the IPv4 filter CLI binary.
	IptablesPath string `koanf:"iptables_path"`
	// Ip6tablesPath is the IPv6 filter CLI binary.
	Ip6tablesPath string `koanf:"ip6tables_path"`
	// MatchSourceMAC adds "-m mac --mac-source" to emitted rules. Off by
	// default: it requires the xt_mac module in the firewall zone.
	MatchSourceMAC bool `koanf:"match_source_mac"`
}

// ProfileConfig is one named security profile from the config file.
type ProfileConfig struct {
	// Lan selects LAN reachability: "all_devices", "no_devices", or
	// "other_profiles".
	Lan string `koanf:"lan"`
	// LanProfiles lists the reachable profiles when Lan is
	// "other_profiles".
	LanProfiles []string `koanf:"lan_profiles"`
	// Wan grants WAN access.
	Wan bool `koanf:"wan"`
}

// KeyIDConfig binds a passphrase identity to a profile.
type KeyIDConfig struct {
	Profile    string `koanf:"profile"`
	Passphrase string `koanf:"passphrase"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9390",
			Path: "/metrics",
		},
		Wifi: WifiConfig{
			CtrlDir: "/var/run/hostapd",
		},
		Addrwatch: AddrwatchConfig{
			Command: "addrwatch",
		},
		Firewall: FirewallConfig{
			IptablesPath:  "iptables",
			Ip6tablesPath: "ip6tables",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for secprofd configuration.
// Variables are named SECPROF_<section>_<key>, e.g., SECPROF_LOG_LEVEL.
const envPrefix = "SECPROF_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (SECPROF_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	SECPROF_LOG_LEVEL     -> log.level
//	SECPROF_LOG_FORMAT    -> log.format
//	SECPROF_METRICS_ADDR  -> metrics.addr
//	SECPROF_WIFI_CTRL_DIR -> wifi.ctrl_dir
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SECPROF_LOG_LEVEL -> log.level.
// Strips the SECPROF_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so SECPROF_WIFI_CTRL_DIR -> wifi.ctrl_dir.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"wifi.ctrl_dir":             defaults.Wifi.CtrlDir,
		"addrwatch.command":         defaults.Addrwatch.Command,
		"firewall.iptables_path":    defaults.Firewall.IptablesPath,
		"firewall.ip6tables_path":   defaults.Firewall.Ip6tablesPath,
		"firewall.match_source_mac": defaults.Firewall.MatchSourceMAC,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// ParseLogLevel converts a config level string into a slog.Level.
// Unknown strings fall back to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidLanAccess indicates a profile's lan setting is unrecognized.
	ErrInvalidLanAccess = errors.New("profile lan must be all_devices, no_devices, or other_profiles")

	// ErrUnknownProfile indicates a keyid or interface references an
	// undeclared profile.
	ErrUnknownProfile = errors.New("reference to undeclared profile")

	// ErrEmptyAddrwatchCommand indicates no address observer is configured.
	ErrEmptyAddrwatchCommand = errors.New("addrwatch.command must not be empty")
)

// lanAccessKinds maps config strings to the state-level access kind.
var lanAccessKinds = map[string]state.LanAccessKind{
	"all_devices":    state.LanAllDevices,
	"no_devices":     state.LanNoDevices,
	"other_profiles": state.LanOtherProfile,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if cfg.Addrwatch.Command == "" {
		return ErrEmptyAddrwatchCommand
	}

	for name, pc := range cfg.Profiles {
		if _, ok := lanAccessKinds[pc.Lan]; !ok {
			return fmt.Errorf("profiles.%s lan %q: %w", name, pc.Lan, ErrInvalidLanAccess)
		}
		for _, ref := range pc.LanProfiles {
			if _, ok := cfg.Profiles[ref]; !ok {
				return fmt.Errorf("profiles.%s lan_profiles %q: %w", name, ref, ErrUnknownProfile)
			}
		}
	}

	for keyID, kc := range cfg.KeyIDs {
		if _, ok := cfg.Profiles[kc.Profile]; !ok {
			return fmt.Errorf("keyids.%s profile %q: %w", keyID, kc.Profile, ErrUnknownProfile)
		}
	}

	for iface, profile := range cfg.Interfaces {
		if _, ok := cfg.Profiles[profile]; !ok {
			return fmt.Errorf("interfaces.%s profile %q: %w", iface, profile, ErrUnknownProfile)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Conversion to the shared state model
// -------------------------------------------------------------------------

// ToState converts the operator file into the immutable state.Config
// snapshot the monitors and the rule derivation consume.
func (c *Config) ToState() *state.Config {
	out := &state.Config{
		Profiles:           make(map[string]state.SecProfile, len(c.Profiles)),
		KeyIDs:             make(map[string]state.KeyIDEntry, len(c.KeyIDs)),
		InterfaceToProfile: make(map[string]string, len(c.Interfaces)),
	}

	for name, pc := range c.Profiles {
		sp := state.SecProfile{Wan: pc.Wan}
		sp.Lan.Kind = lanAccessKinds[pc.Lan]
		if sp.Lan.Kind == state.LanOtherProfile {
			sp.Lan.Profiles = append([]string(nil), pc.LanProfiles...)
		}
		out.Profiles[name] = sp
	}

	for keyID, kc := range c.KeyIDs {
		out.KeyIDs[keyID] = state.KeyIDEntry{
			Profile:    kc.Profile,
			Passphrase: kc.Passphrase,
		}
	}

	for iface, profile := range c.Interfaces {
		out.InterfaceToProfile[iface] = profile
	}

	return out
}
