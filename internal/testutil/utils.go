package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger returns a zap logger that writes through t.Log, so output is
// interleaved correctly with test failures and -v output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}
