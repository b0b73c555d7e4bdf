package testutil

import (
	"testing"
	"time"
)

// Fuzz inputs larger than a soft frame are truncated; decoders must
// finish each input well inside FuzzDeadline.
const (
	FuzzInputCap = 1 << 16
	FuzzDeadline = 100 * time.Millisecond
)

func Truncate(b []byte, n int) []byte {
	if n > 0 && len(b) > n {
		return b[:n]
	}
	return b
}

// Within fails t when fn has not returned after d.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzDeadline
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decoder still running after %s", d)
	}
}
