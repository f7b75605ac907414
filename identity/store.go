package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"localchat/models"
)

const (
	// SuffixLength is the number of hex characters in a random suffix.
	SuffixLength = 8
	// MaxDisplayNameLength bounds display names in runes.
	MaxDisplayNameLength = 64
)

var (
	// ErrNotFound indicates no usable identity is persisted.
	ErrNotFound = errors.New("identity: not found")
	// ErrCorrupt indicates an identity file exists but cannot be used. It
	// wraps ErrNotFound so callers may treat both alike.
	ErrCorrupt = fmt.Errorf("%w: identity file unusable", ErrNotFound)
	// ErrInvalidName indicates a display name that cannot form an identity.
	ErrInvalidName = errors.New("identity: invalid display name")
)

// Store persists one daemon instance's identity in a JSON file.
type Store struct {
	path string
}

// NewStore returns a store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the identity file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted identity.
func (s *Store) Load() (models.Identity, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Identity{}, ErrNotFound
		}
		return models.Identity{}, fmt.Errorf("%w: read %q: %v", ErrCorrupt, s.path, err)
	}

	var id models.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return models.Identity{}, fmt.Errorf("%w: parse %q: %v", ErrCorrupt, s.path, err)
	}
	if err := Validate(id); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return id, nil
}

// Create builds a fresh identity. Each call yields a different suffix, so
// callers must not call it twice for one logical identity.
func (s *Store) Create(displayName string) (models.Identity, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return models.Identity{}, err
	}

	suffix := newSuffix()
	return models.Identity{
		DisplayName: name,
		Suffix:      suffix,
		GlobalID:    models.DeriveGlobalID(name, suffix),
	}, nil
}

// Persist writes the identity atomically (temp file, fsync, rename).
func (s *Store) Persist(id models.Identity) error {
	if err := Validate(id); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp identity file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp identity file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename identity file: %w", err)
	}

	return nil
}

// NormalizeDisplayName trims a user-supplied name and checks it is usable.
func NormalizeDisplayName(displayName string) (string, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidName, MaxDisplayNameLength)
	}
	if strings.Contains(name, models.GlobalIDSeparator) {
		return "", fmt.Errorf("%w: name must not contain %q", ErrInvalidName, models.GlobalIDSeparator)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: name contains control characters", ErrInvalidName)
		}
	}
	return name, nil
}

// Validate checks the identity fields are consistent with each other.
func Validate(id models.Identity) error {
	if _, err := NormalizeDisplayName(id.DisplayName); err != nil {
		return err
	}
	if len(id.Suffix) != SuffixLength {
		return fmt.Errorf("identity suffix must be %d characters", SuffixLength)
	}
	if id.GlobalID != models.DeriveGlobalID(id.DisplayName, id.Suffix) {
		return errors.New("identity global ID does not match name and suffix")
	}
	return nil
}

func newSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:SuffixLength]
}
