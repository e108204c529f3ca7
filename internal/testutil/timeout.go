package testutil

import (
	"context"
	"testing"
	"time"
)

const (
	// DefaultRunTimeout bounds one executor run against a mock or local
	// model server.
	DefaultRunTimeout = 30 * time.Second

	// DefaultTestBuffer is left between a run's deadline and the test's own
	// deadline so failures are reported instead of the test being killed.
	DefaultTestBuffer = 10 * time.Second
)

// ContextWithTestDeadline returns a context that expires after fallback, or
// DefaultTestBuffer before the test deadline if that comes first.
func ContextWithTestDeadline(t *testing.T, fallback time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadlineBuffer(t, fallback, DefaultTestBuffer)
}

// ContextWithTestDeadlineBuffer is ContextWithTestDeadline with an explicit
// buffer. A test deadline that is already within buffer is ignored.
func ContextWithTestDeadlineBuffer(t *testing.T, fallback, buffer time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	if deadline, ok := t.Deadline(); ok {
		end := deadline.Add(-buffer)
		if left := time.Until(end); left > 0 && left < fallback {
			return context.WithDeadline(context.Background(), end)
		}
	}
	return context.WithTimeout(context.Background(), fallback)
}

// RunContext returns a context for a single RunUntilComplete call.
func RunContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, DefaultRunTimeout)
}
