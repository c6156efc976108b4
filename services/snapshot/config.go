// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"log/slog"
)

// Config configures a Runtime.
type Config struct {
	// Logger receives debug logs for snapshot lifecycle events.
	// Default: slog.Default() with component=snapshot.
	Logger *slog.Logger

	// Tracing enables OpenTelemetry spans around apply. Default: true.
	Tracing bool

	// Metrics enables OpenTelemetry metrics. Default: true.
	Metrics bool

	// OptimisticMerges computes merges before taking the runtime lock so
	// the locked section only validates them. Turning it off merges
	// everything under the lock; the outcome of every apply is the same.
	// Default: true.
	OptimisticMerges bool
}

// DefaultConfig returns the configuration used by Default().
func DefaultConfig() Config {
	return Config{
		Tracing:          true,
		Metrics:          true,
		OptimisticMerges: true,
	}
}
