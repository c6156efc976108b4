// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot provides snapshot isolation for in-memory versioned
// objects.
//
// A versioned object keeps a chain of records, one per version. A snapshot
// reads the newest record created by a snapshot it can see; records of
// concurrent or later snapshots are hidden by the snapshot's invalid set.
// Writes copy the visible record into a record owned by the writing
// snapshot. Applying a mutable snapshot publishes its records, asking each
// object to merge changes made concurrently.
//
// The current snapshot travels in a context.Context. Enter binds a snapshot
// for the duration of a function; code with no bound snapshot reads and
// writes the runtime's global snapshot.
//
//	s, err := snapshot.TakeMutableSnapshot(ctx, nil, nil)
//	if err != nil {
//	    return err
//	}
//	defer s.Dispose()
//	if err := s.Enter(ctx, func(ctx context.Context) error {
//	    return counter.Set(ctx, 1)
//	}); err != nil {
//	    return err
//	}
//	result, err := s.Apply(ctx)
//	if err != nil {
//	    return err
//	}
//	return result.Check()
//
// Old records are recycled once no open snapshot can read them, so chains
// stay short while snapshots are disposed promptly.
package snapshot
