package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// SettingsFileName is the optional YAML settings file under the app data dir.
	SettingsFileName = "localchatd.yaml"

	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultSendTimeout     = 5 * time.Second
	DefaultShutdownGrace   = 5 * time.Second
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	DefaultPeerStaleAfter  = 45 * time.Second
)

// Settings are the tunables shared by every instance on a host.
type Settings struct {
	BasePort  int    `yaml:"base_port"`
	SocketDir string `yaml:"socket_dir"`
	DataDir   string `yaml:"data_dir"`

	Service         string        `yaml:"service"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	PeerStaleAfter  time.Duration `yaml:"peer_stale_after"`

	SendTimeout   time.Duration `yaml:"send_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	History       *bool  `yaml:"history"`
	NotifyCommand string `yaml:"notify_command"`
}

// DefaultSettingsPath returns the settings file location under the app data dir.
func DefaultSettingsPath() (string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, SettingsFileName), nil
}

// LoadSettings reads a YAML settings file. A missing file yields defaults.
func LoadSettings(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Settings{}.withDefaults(), nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %q: %w", path, err)
	}
	return s.withDefaults(), nil
}

// HistoryEnabled reports whether the SQLite history collaborator should run.
func (s Settings) HistoryEnabled() bool {
	return s.History == nil || *s.History
}

func (s Settings) withDefaults() Settings {
	out := s
	if out.BasePort == 0 {
		out.BasePort = DefaultBasePort
	}
	if out.SocketDir == "" {
		out.SocketDir = os.TempDir()
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = DefaultPeerStaleAfter
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.LogFormat == "" {
		out.LogFormat = DefaultLogFormat
	}
	return out
}
