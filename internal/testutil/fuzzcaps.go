// Package testutil caps fuzz inputs so decoder fuzzing stays fast and a
// pathological input cannot wedge the worker.
package testutil

import (
	"testing"
	"time"
)

const (
	MaxFuzzBytes = 1 << 16
	FuzzTimeout  = 100 * time.Millisecond
)

// Capped returns b truncated to MaxFuzzBytes.
func Capped(b []byte) []byte {
	if len(b) > MaxFuzzBytes {
		return b[:MaxFuzzBytes]
	}
	return b
}

// MustFinish fails the test if fn does not return within FuzzTimeout.
func MustFinish(t testing.TB, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(FuzzTimeout):
		t.Fatalf("timeout after %s", FuzzTimeout)
	}
}
