// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testutils

import (
	"sort"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
)

// VerifyError checks a (multi)error has expected properties, or else it fails the test.
func VerifyError(t *testing.T, err error, expectedCount int, expectedSubstrings []string) bool {
	t.Helper()
	if expectedCount > 0 {
		if err == nil {
			t.Errorf("error expected, got nil")
			return false
		}
		merr, ok := err.(*multierror.Error)
		if !ok {
			t.Errorf("expected %d errors, but got %#v instead of multierror", expectedCount, err)
			return false
		}
		if len(merr.Errors) != expectedCount {
			t.Errorf("expected %d errors, but got %d: %v", expectedCount, len(merr.Errors), merr)
			return false
		}
	} else if expectedCount == 0 {
		if err != nil {
			t.Errorf("expected 0 errors, but got %v", err)
			return false
		}
	}
	for _, substring := range expectedSubstrings {
		if !strings.Contains(err.Error(), substring) {
			t.Errorf("expected error with substring %#v, got \"%v\"", substring, err)
		}
	}
	return true
}

// Span is a half-open address range.
type Span struct {
	Start uint64
	End   uint64
}

// VerifyDisjoint checks that none of the given spans overlap, or else it fails the test.
func VerifyDisjoint(t *testing.T, spans []Span) bool {
	t.Helper()
	sorted := append([]Span{}, spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End {
			t.Errorf("overlapping ranges [%#x, %#x) and [%#x, %#x)",
				sorted[i-1].Start, sorted[i-1].End, sorted[i].Start, sorted[i].End)
			return false
		}
	}
	return true
}

// VerifyContained checks that every span lies within exactly one of the
// given containers, or else it fails the test.
func VerifyContained(t *testing.T, spans, containers []Span) bool {
	t.Helper()
	ok := true
	for _, s := range spans {
		n := 0
		for _, c := range containers {
			if c.Start <= s.Start && s.End <= c.End {
				n++
			}
		}
		if n != 1 {
			t.Errorf("range [%#x, %#x) is in %d containers, expected 1", s.Start, s.End, n)
			ok = false
		}
	}
	return ok
}
