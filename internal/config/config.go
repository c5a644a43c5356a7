// Package config loads the scheduler's startup configuration: delay_ms,
// thread_count, and enabled, read once at startup from a KDL or TOML
// file and reconciled with environment overrides and validated defaults.
package config

import (
	"os"
	"runtime"
)

// DefaultDelayMs mirrors the background parser's DefaultDelay sentinel:
// the coalescing window applied when a caller passes no explicit delay.
const DefaultDelayMs = 500

// Config is the engine's full configuration surface.
type Config struct {
	Project   Project
	Scheduler Scheduler
}

// Project names the root the Document Event Bridge watches.
type Project struct {
	Root string
}

// Scheduler holds the three options spec.md documents as configurable:
// delay_ms, thread_count, enabled.
type Scheduler struct {
	DelayMs     int
	ThreadCount int
	Enabled     bool
}

// Default returns a Config with the documented defaults: a 500ms
// coalescing delay, one worker per core, processing enabled.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		Project: Project{Root: cwd},
		Scheduler: Scheduler{
			DelayMs:     DefaultDelayMs,
			ThreadCount: runtime.NumCPU(),
			Enabled:     true,
		},
	}
}

// Load reads configuration for the project rooted at root. It tries
// <root>/.lci-engine.kdl first, then <root>/.lci-engine.toml, and falls
// back to Default() if neither file exists. The MAX_THREADS environment
// variable, when set, always wins over whatever thread_count was loaded.
func Load(root string) (*Config, error) {
	cfg, err := LoadKDL(root)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg, err = LoadTOML(root)
		if err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = Default()
		cfg.Project.Root = root
	}

	applyEnvOverrides(cfg)

	v := NewValidator()
	if err := v.ValidateAndSetDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies MAX_THREADS, which per spec.md §6 takes
// precedence over thread_count regardless of where thread_count came from.
func applyEnvOverrides(cfg *Config) {
	if n, ok := parseMaxThreadsEnv(); ok {
		cfg.Scheduler.ThreadCount = n
	}
}

func parseMaxThreadsEnv() (int, bool) {
	raw := os.Getenv("MAX_THREADS")
	if raw == "" {
		return 0, false
	}
	n, err := parsePositiveInt(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
