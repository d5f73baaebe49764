// Package testutil provides shared test helpers for the tunnel packages.
package testutil

import (
	"math"
	"testing"
	"time"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertFloatsEqual compares two slices element-wise, treating NaN as equal
// to NaN and allowing an absolute tolerance.
func AssertFloatsEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d (got %v)", len(got), len(want), got)
	}
	for i := range want {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(got[i]) {
				t.Errorf("[%d] = %v, want NaN", i, got[i])
			}
			continue
		}
		if math.Abs(got[i]-want[i]) > tol {
			t.Errorf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// CaptureTime returns a fixed UTC capture instant offset by sec seconds.
func CaptureTime(sec int) time.Time {
	return time.Date(2024, time.March, 5, 9, 30, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}
