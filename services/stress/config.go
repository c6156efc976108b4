// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stress drives concurrent writers against a snapshot runtime and
// checks that every applied change survives.
//
// # Description
//
// A run starts Workers goroutines. Each performs Iterations transactions in
// its own mutable snapshot: it increments a shared counter, appends to a
// shared log, adds itself to a membership set, records its progress in a
// map and claims a contended slot. Counter, list, set and map changes merge;
// the slot does not, so concurrent claims conflict and are retried.
//
// After the workers finish the runner verifies that the counter equals the
// number of applied transactions and that the log holds one entry for each.
package stress

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigBytes bounds the size of a config file.
const MaxConfigBytes = 64 * 1024

// ErrConfigTooLarge is returned when a config file exceeds MaxConfigBytes.
var ErrConfigTooLarge = errors.New("stress: config file too large")

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config controls a stress run.
type Config struct {
	// Workers is the number of concurrent writers. Default: 8.
	Workers int `yaml:"workers" validate:"min=1,max=1024"`

	// Iterations is the number of transactions per worker. Default: 100.
	Iterations int `yaml:"iterations" validate:"min=1,max=1000000"`

	// MaxRetries bounds retries of a conflicting transaction. A
	// transaction that still conflicts is counted as given up. Default: 16.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=1000"`

	// RatePerSecond limits transactions per second across all workers.
	// Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`

	// Burst is the limiter burst. Ignored when RatePerSecond is zero.
	// Default: 1.
	Burst int `yaml:"burst" validate:"gte=0"`

	// Contention makes every transaction claim the shared slot, forcing
	// conflicts between overlapping transactions. Default: true.
	Contention bool `yaml:"contention"`

	// OptimisticMerges is passed to the runtime. Default: true.
	OptimisticMerges bool `yaml:"optimistic_merges"`

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// DefaultConfig returns the defaults for a local run.
func DefaultConfig() Config {
	return Config{
		Workers:          8,
		Iterations:       100,
		MaxRetries:       16,
		Burst:            1,
		Contention:       true,
		OptimisticMerges: true,
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("stress: invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
//
// # Inputs
//
//   - path: The YAML file. Empty returns the defaults.
//
// # Outputs
//
//   - Config: The validated config.
//   - error: Read, parse or validation failures, or ErrConfigTooLarge.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("stress: open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigBytes+1))
	if err != nil {
		return Config{}, fmt.Errorf("stress: read config: %w", err)
	}
	if len(data) > MaxConfigBytes {
		return Config{}, ErrConfigTooLarge
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("stress: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
