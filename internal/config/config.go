// Package config handles configuration loading and validation for irbridge.
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"irbridge/internal/input"
	"irbridge/internal/logging"
	"irbridge/internal/remote"
	"irbridge/internal/repeat"
	"irbridge/internal/secret"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Inputs are the IR receivers (and dev terminals) to read.
	Inputs []InputConfig `toml:"inputs" json:"inputs" yaml:"inputs"`

	// Repeat tunes debounce and synthetic repeat timing.
	Repeat RepeatConfig `toml:"repeat" json:"repeat" yaml:"repeat"`

	// Remotes are the remote profiles. Immutable for the process lifetime.
	Remotes []RemoteConfig `toml:"remotes" json:"remotes" yaml:"remotes"`

	// SecretCodes are evaluated in order. Immutable for the process lifetime.
	SecretCodes []SecretCodeConfig `toml:"secret_codes" json:"secret_codes" yaml:"secret_codes"`

	Receiver ReceiverConfig `toml:"receiver" json:"receiver" yaml:"receiver"`
	TV       TVConfig       `toml:"tv" json:"tv" yaml:"tv"`
	Journal  JournalConfig  `toml:"journal" json:"journal" yaml:"journal"`
	Notify   NotifyConfig   `toml:"notify" json:"notify" yaml:"notify"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics" yaml:"metrics"`
	Health   HealthConfig   `toml:"health" json:"health" yaml:"health"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// InputConfig describes one input source.
type InputConfig struct {
	Name string `toml:"name" json:"name" yaml:"name"`

	// Type is "evdev" or "terminal".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Device is a /dev/input path or a substring of the device name.
	Device string `toml:"device" json:"device" yaml:"device"`

	// Mode is "scancode" (EV_MSC) or "keycode" (EV_KEY).
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	// Grab takes the device exclusively.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`

	// Remote attributes every event to one profile. Empty resolves the
	// profile by keycode.
	Remote string `toml:"remote" json:"remote" yaml:"remote"`
}

// RepeatConfig tunes the repeat normalizer.
type RepeatConfig struct {
	BaseIntervalMs     int     `toml:"base_interval_ms" json:"base_interval_ms" yaml:"base_interval_ms"`
	FloorIntervalMs    int     `toml:"floor_interval_ms" json:"floor_interval_ms" yaml:"floor_interval_ms"`
	AccelerationFactor float64 `toml:"acceleration_factor" json:"acceleration_factor" yaml:"acceleration_factor"`
	AccelerationAfter  int     `toml:"acceleration_after" json:"acceleration_after" yaml:"acceleration_after"`
}

// RemoteConfig describes one remote control.
type RemoteConfig struct {
	Name string `toml:"name" json:"name" yaml:"name"`

	// RepeatInitiationDelayMs is added to the first repeat interval.
	RepeatInitiationDelayMs int `toml:"repeat_initiation_delay_ms" json:"repeat_initiation_delay_ms" yaml:"repeat_initiation_delay_ms"`

	// Keys maps command names to keycodes.
	Keys map[string]uint32 `toml:"keys" json:"keys" yaml:"keys"`
}

// SecretCodeConfig describes one secret code.
type SecretCodeConfig struct {
	ID                   string            `toml:"id" json:"id" yaml:"id"`
	Trigger              []string          `toml:"trigger" json:"trigger" yaml:"trigger"`
	GapLimitMs           int               `toml:"gap_limit_ms" json:"gap_limit_ms" yaml:"gap_limit_ms"`
	ActivationOutput     string            `toml:"activation_output" json:"activation_output" yaml:"activation_output"`
	Remap                map[string]string `toml:"remap" json:"remap" yaml:"remap"`
	ActivationDurationMs int               `toml:"activation_duration_ms" json:"activation_duration_ms" yaml:"activation_duration_ms"`
	Escape               string            `toml:"escape" json:"escape" yaml:"escape"`
	EscapeOutput         string            `toml:"escape_output" json:"escape_output" yaml:"escape_output"`
	TimeoutOutput        string            `toml:"timeout_output" json:"timeout_output" yaml:"timeout_output"`
}

// ReceiverConfig configures the BluOS volume handler.
type ReceiverConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	URL        string `toml:"url" json:"url" yaml:"url"`
	TimeoutMs  int    `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	StepDB     int    `toml:"step_db" json:"step_db" yaml:"step_db"`
	VolumeUp   string `toml:"volume_up" json:"volume_up" yaml:"volume_up"`
	VolumeDown string `toml:"volume_down" json:"volume_down" yaml:"volume_down"`
	Mute       string `toml:"mute" json:"mute" yaml:"mute"`
	QueueSize  int    `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// TVConfig configures the webOS handler.
type TVConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Address string `toml:"address" json:"address" yaml:"address"`

	// ClientKey is issued by the TV at pairing. When empty the key is read
	// from ClientKeyPath, where a newly issued key is also saved.
	ClientKey     string `toml:"client_key" json:"client_key" yaml:"client_key"`
	ClientKeyPath string `toml:"client_key_path" json:"client_key_path" yaml:"client_key_path"`

	TimeoutMs         int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	PairingTimeoutSec int `toml:"pairing_timeout_sec" json:"pairing_timeout_sec" yaml:"pairing_timeout_sec"`

	// Keys maps commands to webOS button names or ssap:// URIs.
	Keys      map[string]string `toml:"keys" json:"keys" yaml:"keys"`
	QueueSize int               `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// JournalConfig configures the dispatch history.
type JournalConfig struct {
	Enabled       bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path          string `toml:"path" json:"path" yaml:"path"`
	RetentionDays int    `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// NotifyConfig configures desktop notifications.
type NotifyConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Messages maps a command to the notification text shown for it.
	Messages  map[string]string `toml:"messages" json:"messages" yaml:"messages"`
	TimeoutMs int               `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// CrashDir receives panic reports. Empty disables them.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig configures the node_exporter textfile.
type MetricsConfig struct {
	Enabled      bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	TextfilePath string `toml:"textfile_path" json:"textfile_path" yaml:"textfile_path"`
	IntervalSec  int    `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// HealthConfig configures periodic health logging.
type HealthConfig struct {
	// IntervalSec between health logs; 0 logs only on SIGUSR1.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// DefaultConfig returns a configuration with the bundled remotes.
func DefaultConfig() *Config {
	dir := DataDir()
	state := logging.StateDir()

	return &Config{
		Version: Version,
		Inputs: []InputConfig{{
			Name:   "ir0",
			Type:   "evdev",
			Device: "/dev/input/event0",
			Mode:   "scancode",
		}},
		Repeat: RepeatConfig{
			BaseIntervalMs:     200,
			FloorIntervalMs:    120,
			AccelerationFactor: 0.7,
			AccelerationAfter:  10,
		},
		Remotes:     DefaultRemotes(),
		SecretCodes: DefaultSecretCodes(),
		Receiver: ReceiverConfig{
			Enabled:    true,
			URL:        "http://m10.local:11000/",
			TimeoutMs:  3000,
			StepDB:     1,
			VolumeUp:   "volume_up",
			VolumeDown: "volume_down",
			Mute:       "mute",
			QueueSize:  32,
		},
		TV: TVConfig{
			Enabled:           false,
			Address:           "lgwebostv.local",
			ClientKeyPath:     filepath.Join(state, "tv-client-key"),
			TimeoutMs:         5000,
			PairingTimeoutSec: 60,
			Keys: map[string]string{
				"up":    "UP",
				"down":  "DOWN",
				"left":  "LEFT",
				"right": "RIGHT",
				"ok":    "ENTER",
				"back":  "BACK",
			},
			QueueSize: 32,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "journal.db"),
			RetentionDays: 30,
		},
		Notify: NotifyConfig{
			Enabled: false,
			Messages: map[string]string{
				"nav_mode_on":  "Remote switched to TV navigation",
				"nav_mode_off": "Remote back to volume control",
			},
			TimeoutMs: 3000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
			CrashDir:   logging.DefaultCrashDir(),
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			TextfilePath: "/var/lib/node_exporter/textfile_collector/irbridge.prom",
			IntervalSec:  15,
		},
		Health: HealthConfig{
			IntervalSec: 300,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the data directory, honoring IRBRIDGE_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("IRBRIDGE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies IRBRIDGE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("IRBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IRBRIDGE_RECEIVER_URL"); v != "" {
		c.Receiver.URL = v
	}
	if v := os.Getenv("IRBRIDGE_TV_ADDRESS"); v != "" {
		c.TV.Address = v
	}
	// Keep the pairing key out of the config file if preferred.
	if v := os.Getenv("IRBRIDGE_TV_CLIENT_KEY"); v != "" {
		c.TV.ClientKey = v
	}
	if v := os.Getenv("IRBRIDGE_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Repeat:   c.Repeat,
		Receiver: c.Receiver,
		TV:       c.TV,
		Journal:  c.Journal,
		Notify:   c.Notify,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
		Health:   c.Health,
	}
	clone.Inputs = append([]InputConfig(nil), c.Inputs...)
	for _, r := range c.Remotes {
		r.Keys = cloneMap(r.Keys)
		clone.Remotes = append(clone.Remotes, r)
	}
	for _, s := range c.SecretCodes {
		s.Trigger = append([]string(nil), s.Trigger...)
		s.Remap = cloneMap(s.Remap)
		clone.SecretCodes = append(clone.SecretCodes, s)
	}
	clone.TV.Keys = cloneMap(c.TV.Keys)
	clone.Notify.Messages = cloneMap(c.Notify.Messages)
	return clone
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RepeatSettings converts the repeat section.
func (c *Config) RepeatSettings() repeat.Config {
	return repeat.Config{
		BaseInterval:       ms(c.Repeat.BaseIntervalMs),
		FloorInterval:      ms(c.Repeat.FloorIntervalMs),
		AccelerationFactor: c.Repeat.AccelerationFactor,
		AccelerationAfter:  c.Repeat.AccelerationAfter,
	}
}

// Profiles converts the remotes section.
func (c *Config) Profiles() []remote.Profile {
	out := make([]remote.Profile, 0, len(c.Remotes))
	for _, r := range c.Remotes {
		out = append(out, remote.Profile{
			Name:                  r.Name,
			Keys:                  r.Keys,
			RepeatInitiationDelay: ms(r.RepeatInitiationDelayMs),
		})
	}
	return out
}

// Codes converts the secret_codes section.
func (c *Config) Codes() []secret.Code {
	out := make([]secret.Code, 0, len(c.SecretCodes))
	for _, s := range c.SecretCodes {
		out = append(out, secret.Code{
			ID:                 s.ID,
			Trigger:            s.Trigger,
			GapLimit:           ms(s.GapLimitMs),
			ActivationOutput:   s.ActivationOutput,
			Remap:              s.Remap,
			ActivationDuration: ms(s.ActivationDurationMs),
			Escape:             s.Escape,
			EscapeOutput:       s.EscapeOutput,
			TimeoutOutput:      s.TimeoutOutput,
		})
	}
	return out
}

// EvdevSettings converts an evdev input.
func (in InputConfig) EvdevSettings() (input.EvdevConfig, error) {
	mode, err := input.ParseMode(in.Mode)
	if err != nil {
		return input.EvdevConfig{}, err
	}
	return input.EvdevConfig{
		Name:   in.Name,
		Remote: in.Remote,
		Device: in.Device,
		Mode:   mode,
		Grab:   in.Grab,
	}, nil
}

// LoggerSettings converts the logging section.
func (c *Config) LoggerSettings() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = c.Logging.Output
	cfg.FilePath = c.Logging.FilePath
	cfg.MaxSize = int64(c.Logging.MaxSizeMB)
	cfg.MaxBackups = c.Logging.MaxBackups
	cfg.MaxAge = c.Logging.MaxAgeDays
	cfg.Compress = c.Logging.Compress
	return cfg, nil
}
