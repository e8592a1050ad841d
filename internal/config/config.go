// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds resolved paths for the checkpoint store.
type Config struct {
	HomeDir      string
	RewindDir    string
	BlobsDir     string
	TreesDir     string
	DatabasePath string
	LogDir       string

	Settings Settings
}

// Settings is the user-editable part of the configuration, stored as YAML in
// the rewind directory.
type Settings struct {
	// CompressionLevel is the zstd level used by the blob store (1-19).
	CompressionLevel int `yaml:"compression_level"`
	// MaxFileSize skips files larger than this many bytes during worktree
	// scans. Zero means no limit.
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxLCSBytes bounds the per-file input size of the line diff.
	MaxLCSBytes int `yaml:"max_lcs_bytes"`
	// MaxCheckpoints caps checkpoints per session; orphaned branches beyond
	// the cap are pruned. Zero disables pruning.
	MaxCheckpoints int `yaml:"max_checkpoints"`
	// IgnorePatterns are gitignore-style patterns excluded from captures, on
	// top of the scanned project's own .gitignore.
	IgnorePatterns []string `yaml:"ignore_patterns"`
	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string `yaml:"log_level"`
}

// DefaultSettings returns the settings used when no file exists yet.
func DefaultSettings() Settings {
	return Settings{
		CompressionLevel: 3,
		MaxFileSize:      8 << 20,
		MaxLCSBytes:      1 << 20,
		MaxCheckpoints:   0,
		IgnorePatterns:   []string{".git/", "node_modules/", ".rewind/"},
		LogLevel:         "info",
	}
}

// Load creates a Config with resolved paths under baseDir, creating the
// directory layout and loading settings.yaml if present. An empty baseDir
// defaults to ~/.rewind.
func Load(baseDir string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	if baseDir == "" {
		baseDir = filepath.Join(home, ".rewind")
	}
	logDir := filepath.Join(baseDir, "logs")

	for _, dir := range []string{baseDir, logDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	c := &Config{
		HomeDir:      home,
		RewindDir:    baseDir,
		BlobsDir:     filepath.Join(baseDir, "blobs"),
		TreesDir:     filepath.Join(baseDir, "trees"),
		DatabasePath: filepath.Join(baseDir, "checkpoints.db"),
		LogDir:       logDir,
		Settings:     DefaultSettings(),
	}

	if err := c.loadSettings(); err != nil {
		return nil, err
	}
	return c, nil
}

// SettingsPath returns the location of the YAML settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.RewindDir, "settings.yaml")
}

func (c *Config) loadSettings() error {
	data, err := os.ReadFile(c.SettingsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	c.Settings = settings
	return nil
}

// SaveSettings writes the current settings back to disk.
func (c *Config) SaveSettings() error {
	data, err := yaml.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(c.SettingsPath(), data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
