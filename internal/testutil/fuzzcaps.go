// Package testutil holds the shared fuzz-test guards: an input cap so the
// corpus stays proportional to real datagram sizes, and a per-iteration
// timeout so one pathological input fails the run instead of hanging it.
package testutil

import (
	"testing"
	"time"
)

const (
	// A handshake datagram tops out at 1200 bytes; a few datagrams' worth
	// of input reaches every decode path.
	DefaultMaxFuzzBytes = 4 * 1200

	DefaultFuzzTimeout = 100 * time.Millisecond
)

// CapBytes truncates fuzz input to max bytes. A max of zero or less means
// no cap.
func CapBytes(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout runs fn and fails the test if it has not returned within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("fuzz iteration exceeded %s", d)
	}
}
