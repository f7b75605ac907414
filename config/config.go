package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "localchat"
	// DefaultBasePort is the TCP port of instance 1.
	DefaultBasePort = 12345
	// MaxPort is the highest usable TCP port.
	MaxPort = 65535
	// identityFileName is the persisted identity file inside an instance directory.
	identityFileName = "identity.json"
	// historyFileName is the SQLite history file inside an instance directory.
	historyFileName = "history.db"
)

var (
	// ErrInvalidInstance indicates an instance number outside the usable range.
	ErrInvalidInstance = errors.New("config: invalid instance number")
)

// Instance holds the addressing of one daemon instance. Every field is derived
// from the instance number and the settings, so two instance numbers never share
// a port, socket or data directory.
type Instance struct {
	Number            int
	TCPPort           int
	ControlSocketPath string
	DataDir           string
	IdentityFilePath  string
	HistoryPath       string
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LOCALCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LOCALCHAT_DATA_DIR"); override != "" {
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

// MaxInstance returns the largest instance number whose port fits basePort.
func MaxInstance(basePort int) int {
	if basePort <= 0 || basePort > MaxPort {
		return 0
	}
	return MaxPort - basePort + 1
}

// ForInstance derives the addressing for instance number n.
func ForInstance(n int, settings Settings) (Instance, error) {
	s := settings.withDefaults()

	if n < 1 || n > MaxInstance(s.BasePort) {
		return Instance{}, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidInstance, n, MaxInstance(s.BasePort))
	}
	if s.DataDir == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return Instance{}, err
		}
		s.DataDir = dataDir
	}

	instanceDir := filepath.Join(s.DataDir, fmt.Sprintf("instance-%d", n))
	return Instance{
		Number:            n,
		// BasePort is the port of instance 1, i.e. base+N with base one lower.
		TCPPort:           s.BasePort + n - 1,
		ControlSocketPath: filepath.Join(s.SocketDir, fmt.Sprintf("localchat_daemon%d.sock", n)),
		DataDir:           instanceDir,
		IdentityFilePath:  filepath.Join(instanceDir, identityFileName),
		HistoryPath:       filepath.Join(instanceDir, historyFileName),
	}, nil
}

// EnsureDirectories creates the instance data directory and socket directory.
func (i Instance) EnsureDirectories() error {
	dirs := []string{
		i.DataDir,
		filepath.Dir(i.ControlSocketPath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// ListenAddress is the TCP address the connection fabric binds.
func (i Instance) ListenAddress() string {
	return fmt.Sprintf(":%d", i.TCPPort)
}
