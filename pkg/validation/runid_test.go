// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"canonical", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", false},
		{"nil uuid", "00000000-0000-0000-0000-000000000000", false},

		{"empty", "", true},
		{"uppercase", "3F2504E0-4F89-41D3-9A0C-0305E82C3301", true},
		{"braced", "{3f2504e0-4f89-41d3-9a0c-0305e82c3301}", true},
		{"urn", "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"no hyphens", "3f2504e04f8941d39a0c0305e82c3301", true},
		{"key prefix", "run/3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"path traversal", "../../etc/passwd", true},
		{"too short", "3f2504e0-4f89-41d3-9a0c", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRunID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeRunID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"trims and lowercases", "  3F2504E0-4F89-41D3-9A0C-0305E82C3301\n", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", false},
		{"already canonical", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", false},
		{"garbage", "not-a-run", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeRunID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeRunID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeRunID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
