package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// tomlDocument mirrors the handful of options the engine reads from a
// .lci-engine.toml file.
type tomlDocument struct {
	Project struct {
		Root string `toml:"root"`
	} `toml:"project"`
	Scheduler struct {
		DelayMs     *int  `toml:"delay_ms"`
		ThreadCount *int  `toml:"thread_count"`
		Enabled     *bool `toml:"enabled"`
	} `toml:"scheduler"`
}

// LoadTOML attempts to load configuration from a .lci-engine.toml file
// in root, for consumers who would rather not take on a KDL parser.
// Returns (nil, nil) when the file does not exist.
func LoadTOML(root string) (*Config, error) {
	tomlPath := filepath.Join(root, ".lci-engine.toml")

	content, err := os.ReadFile(tomlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read .lci-engine.toml: %w", err)
	}

	var doc tomlDocument
	if err := toml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}

	cfg := Default()
	cfg.Project.Root = ""

	if doc.Project.Root != "" {
		cfg.Project.Root = doc.Project.Root
	}
	if doc.Scheduler.DelayMs != nil {
		cfg.Scheduler.DelayMs = *doc.Scheduler.DelayMs
	}
	if doc.Scheduler.ThreadCount != nil {
		cfg.Scheduler.ThreadCount = *doc.Scheduler.ThreadCount
	}
	if doc.Scheduler.Enabled != nil {
		cfg.Scheduler.Enabled = *doc.Scheduler.Enabled
	}

	if cfg.Project.Root == "" {
		absRoot, err := filepath.Abs(root)
		if err == nil {
			cfg.Project.Root = absRoot
		} else {
			cfg.Project.Root = root
		}
	} else if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Clean(filepath.Join(root, cfg.Project.Root))
	}

	return cfg, nil
}
