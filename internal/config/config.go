// Package config holds the user-settable knobs and their on-disk
// TOML representation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/woffle/woffle/internal/platform"
)

const appDir = "woffle"

// Config is the engine's knob set. Zero values are not meaningful;
// start from Default().
type Config struct {
	// Algorithm names the backing variant for new compressions.
	Algorithm string `toml:"algorithm"`

	// MinFileSize is the size floor in bytes; files at or below it
	// are never considered.
	MinFileSize int64 `toml:"min_file_size"`

	// Threshold is the estimated-ratio cutoff: at or above it a file
	// is recorded as incompressible instead of being compressed.
	Threshold float64 `toml:"threshold"`

	// ExcludeExtensions is the extension denylist, dot optional.
	ExcludeExtensions []string `toml:"exclude_extensions"`

	// ExcludeDirs names directory subtrees the walk never enters.
	ExcludeDirs []string `toml:"exclude_dirs"`

	// PreserveTimes keeps mtime/atime across backing changes.
	PreserveTimes bool `toml:"preserve_times"`
}

// Default returns the shipped configuration. The extension list is
// formats that are already entropy-coded and never worth probing.
func Default() Config {
	return Config{
		Algorithm:   platform.Xpress8k.String(),
		MinFileSize: 4096,
		Threshold:   0.95,
		ExcludeExtensions: []string{
			"7z", "aac", "avi", "bik", "bmp", "br", "bz2", "cab", "dl_",
			"docx", "flac", "flv", "gif", "gz", "jpeg", "jpg", "lz4",
			"lzma", "lzx", "m2v", "m4a", "m4v", "mkv", "mp3", "mp4",
			"mpeg", "mpg", "ogg", "onepkg", "png", "pptx", "rar", "upk",
			"vob", "webm", "wem", "wma", "wmf", "wmv", "xap", "xlsx",
			"xnb", "xz", "zip", "zst", "zstd",
		},
		ExcludeDirs: []string{
			"$RECYCLE.BIN", "System Volume Information", "Windows",
		},
		PreserveTimes: true,
	}
}

// Path returns the config file location under the per-user config
// directory, or "" if that cannot be resolved.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appDir, "config.toml")
}

// StorePath returns the incompressible-file store location under the
// per-user cache directory, creating the directory if needed.
func StorePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve state directory: %w", err)
	}
	stateDir := filepath.Join(dir, appDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return filepath.Join(stateDir, "incompressible.dat"), nil
}

// Load reads the config file over Default(). A missing file is not an
// error; keys absent from the file keep their defaults.
func Load() (Config, error) {
	cfg := Default()

	path := Path()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to the per-user config path.
func (c Config) Save() error {
	path := Path()
	if path == "" {
		return errors.New("no config directory available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// ParsedAlgorithm resolves the configured algorithm name.
func (c Config) ParsedAlgorithm() (platform.Algorithm, error) {
	return platform.ParseAlgorithm(c.Algorithm)
}
