package config

import (
	"fmt"
	"strings"
	"time"
)

// Methods holds per-method settings keyed by "<resource>.<operation>" patterns,
// where either side may be "*". Operation is the lower-case method type, with a
// "-<name>" suffix for finders and actions, e.g. "greetings.finder-search".
type Methods struct {
	AlwaysProjectedFields map[string][]string `yaml:"always_projected_fields"`
	BatchingEnabled       map[string]bool     `yaml:"batching_enabled"`
	MaxBatchSize          map[string]int      `yaml:"max_batch_size"`
	TimeoutMS             map[string]int      `yaml:"timeout_ms"`
}

// MethodSettings is the resolved configuration of one method. Zero values mean unset.
type MethodSettings struct {
	AlwaysProjectedFields []string
	BatchingEnabled       bool
	MaxBatchSize          int
	Timeout               time.Duration
}

// Validate rejects malformed patterns and values.
func (m Methods) Validate() error {
	for p, fields := range m.AlwaysProjectedFields {
		if err := checkPattern(p); err != nil {
			return fmt.Errorf("config.methods.always_projected_fields: %w", err)
		}
		for _, f := range fields {
			if f == "" {
				return fmt.Errorf("config.methods.always_projected_fields %s has empty field", p)
			}
		}
	}
	for p := range m.BatchingEnabled {
		if err := checkPattern(p); err != nil {
			return fmt.Errorf("config.methods.batching_enabled: %w", err)
		}
	}
	for p, n := range m.MaxBatchSize {
		if err := checkPattern(p); err != nil {
			return fmt.Errorf("config.methods.max_batch_size: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("config.methods.max_batch_size %s must be positive", p)
		}
	}
	for p, ms := range m.TimeoutMS {
		if err := checkPattern(p); err != nil {
			return fmt.Errorf("config.methods.timeout_ms: %w", err)
		}
		if ms <= 0 {
			return fmt.Errorf("config.methods.timeout_ms %s must be positive", p)
		}
	}
	return nil
}

func checkPattern(p string) error {
	resource, op, ok := strings.Cut(p, ".")
	if !ok || resource == "" || op == "" {
		return fmt.Errorf("pattern %q must be <resource>.<operation>", p)
	}
	return nil
}

// candidates lists lookup keys from most to least specific.
func candidates(resource, op string) []string {
	return []string{
		resource + "." + op,
		resource + ".*",
		"*." + op,
		"*.*",
	}
}

// Lookup resolves a pattern map for one method.
func Lookup[V any](m map[string]V, resource, op string) (V, bool) {
	for _, k := range candidates(resource, op) {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Resolve returns the settings for operation op of resource.
func (m Methods) Resolve(resource, op string) MethodSettings {
	var s MethodSettings
	s.AlwaysProjectedFields, _ = Lookup(m.AlwaysProjectedFields, resource, op)
	s.BatchingEnabled, _ = Lookup(m.BatchingEnabled, resource, op)
	s.MaxBatchSize, _ = Lookup(m.MaxBatchSize, resource, op)
	if ms, ok := Lookup(m.TimeoutMS, resource, op); ok {
		s.Timeout = time.Duration(ms) * time.Millisecond
	}
	return s
}
