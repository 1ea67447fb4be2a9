// Package manifest handles manifast.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up in project directories.
const FileName = "manifast.toml"

// Manifest represents a manifast.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	Source  Source      `toml:"source"`
	Tests   Tests       `toml:"tests"`
	VM      VMConfig    `toml:"vm"`
	Cache   CacheConfig `toml:"cache"`

	// Dir is the directory containing the manifast.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures source file locations.
type Source struct {
	Dirs  []string `toml:"dirs"`
	Entry string   `toml:"entry"`
}

// Tests configures test discovery.
type Tests struct {
	Dir string `toml:"dir"`
}

// VMConfig tunes the interpreter.
type VMConfig struct {
	InstructionBudget int  `toml:"instruction-budget"`
	Debug             bool `toml:"debug"`
}

// CacheConfig configures the compiled-image cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the manifest used when no manifast.toml exists.
func Default() *Manifest {
	m := &Manifest{Dir: "."}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Tests.Dir == "" {
		m.Tests.Dir = "tests"
	}
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(".manifast", "cache.db")
	}
}

// Load parses a manifast.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir = dir
	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir looking for a manifast.toml. When
// none exists it returns the defaults rooted at startDir.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			m := Default()
			m.Dir = startDir
			return m, nil
		}
		dir = parent
	}
}

// CachePath returns the cache database location resolved against the
// manifest directory.
func (m *Manifest) CachePath() string {
	if filepath.IsAbs(m.Cache.Path) {
		return m.Cache.Path
	}
	return filepath.Join(m.Dir, m.Cache.Path)
}
