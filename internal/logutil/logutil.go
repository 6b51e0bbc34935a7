// Package logutil provides the pull engine's structured logger, a trimmed
// version of the teacher's log/log.go. There is no package-level logger:
// New builds a fresh *zap.Logger on each call, and the caller owns it,
// including running its Sync at exit. It
// drops the OpenTelemetry resource-tagging and env-driven format selection
// the teacher needs for a multi-service deployment, which this one-shot
// library has no use for.
package logutil

import (
	"go.uber.org/zap"
)

// New builds a development or production zap.Logger depending on dev, the
// same two-mode split the teacher's initLogger offers.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a logger that discards everything, for tests and for callers
// that don't want pull-engine logging.
func Nop() *zap.Logger {
	return zap.NewNop()
}
