package config

import (
	"fmt"
	"runtime"

	lcierrors "github.com/standardbeagle/lci/internal/errors"
)

// Validator validates configuration and sets smart defaults.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates cfg and applies smart defaults in place.
// Returns a *lcierrors.ConfigError on the first invalid field.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateProject(&cfg.Project); err != nil {
		return lcierrors.NewConfigError("project.root", cfg.Project.Root, err)
	}
	if err := v.validateScheduler(&cfg.Scheduler); err != nil {
		return lcierrors.NewConfigError("scheduler", fmt.Sprintf("%+v", cfg.Scheduler), err)
	}

	v.setSmartDefaults(cfg)
	return nil
}

func (v *Validator) validateProject(p *Project) error {
	if p.Root == "" {
		return fmt.Errorf("project root cannot be empty")
	}
	return nil
}

func (v *Validator) validateScheduler(s *Scheduler) error {
	if s.DelayMs < 0 {
		return fmt.Errorf("delay_ms must be non-negative, got %d", s.DelayMs)
	}
	if s.ThreadCount < 0 {
		return fmt.Errorf("thread_count must be non-negative, got %d", s.ThreadCount)
	}
	return nil
}

// setSmartDefaults fills in zero-valued fields the teacher's loader
// treats as "unset" rather than "explicitly zero".
func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.Scheduler.ThreadCount == 0 {
		cfg.Scheduler.ThreadCount = runtime.NumCPU()
	}
	if cfg.Scheduler.DelayMs == 0 {
		cfg.Scheduler.DelayMs = DefaultDelayMs
	}
}
