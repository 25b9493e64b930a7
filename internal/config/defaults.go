package config

import (
	"os"
	"path/filepath"

	"irbridge/internal/input"
)

// PlatformDataDir returns $XDG_DATA_HOME/irbridge.
func PlatformDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "irbridge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "irbridge")
	}
	return filepath.Join(home, ".local", "share", "irbridge")
}

// PlatformConfigDir returns $XDG_CONFIG_HOME/irbridge.
func PlatformConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "irbridge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "irbridge")
	}
	return filepath.Join(home, ".config", "irbridge")
}

// SupportedConfigFormats returns the supported file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile searches dir for config.<ext>, falling back to the system
// config in /etc/irbridge.
func FindConfigFile(dir string) string {
	for _, d := range []string{dir, "/etc/irbridge"} {
		if d == "" {
			continue
		}
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(d, "config"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// TerminalRemote is the profile name used by the terminal input.
const TerminalRemote = "terminal"

// DefaultRemotes returns the bundled remote profiles.
func DefaultRemotes() []RemoteConfig {
	return []RemoteConfig{
		{
			Name:                    "chromecast",
			RepeatInitiationDelayMs: 300,
			Keys: map[string]uint32{
				"volume_up":   1026,
				"volume_down": 1027,
				"mute":        1033,
				"input":       1035,
				"power":       1032,
			},
		},
		{
			Name:                    "yamaha",
			RepeatInitiationDelayMs: 300,
			Keys: map[string]uint32{
				"volume_up":   31258,
				"volume_down": 31259,
				"mute":        31260,
			},
		},
		{
			Name:                    "sony",
			RepeatInitiationDelayMs: 250,
			Keys: map[string]uint32{
				"volume_up":   65554,
				"volume_down": 65555,
				"mute":        65556,
			},
		},
		{
			Name: TerminalRemote,
			Keys: map[string]uint32{
				"volume_up":   '+',
				"volume_down": '-',
				"mute":        'm',
				"input":       'i',
				"power":       'p',
				"up":          input.TermUp,
				"down":        input.TermDown,
				"right":       input.TermRight,
				"left":        input.TermLeft,
				"ok":          '\r',
				"back":        'b',
			},
		},
	}
}

// DefaultSecretCodes returns the bundled navigation code: mute, mute,
// volume_up turns the volume keys into TV arrows until power is pressed or
// 30s pass.
func DefaultSecretCodes() []SecretCodeConfig {
	return []SecretCodeConfig{{
		ID:               "nav",
		Trigger:          []string{"mute", "mute", "volume_up"},
		GapLimitMs:       1500,
		ActivationOutput: "nav_mode_on",
		Remap: map[string]string{
			"volume_up":   "up",
			"volume_down": "down",
			"mute":        "ok",
			"input":       "back",
		},
		ActivationDurationMs: 30000,
		Escape:               "power",
		EscapeOutput:         "nav_mode_off",
		TimeoutOutput:        "nav_mode_off",
	}}
}
