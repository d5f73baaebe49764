package testutil

import (
	"math"
	"testing"
	"time"
)

func TestAssertFloatsEqual(t *testing.T) {
	AssertFloatsEqual(t, []float64{1, math.NaN(), 3.0000001}, []float64{1, math.NaN(), 3}, 1e-6)
}

func TestCaptureTime(t *testing.T) {
	a, b := CaptureTime(0), CaptureTime(61)
	if b.Sub(a) != 61*time.Second {
		t.Errorf("expected 61s apart, got %v", b.Sub(a))
	}
	if a.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", a.Location())
	}
}

func TestAssertNoError(t *testing.T) {
	AssertNoError(t, nil)
}
