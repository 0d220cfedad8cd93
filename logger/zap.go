package logger

import (
	"go.uber.org/zap"

	"bwtree"
)

// Zap forwards tree events to a sugared zap logger. Attributes are passed
// through as loosely typed key/value pairs, so page ids and keys keep their
// numeric types in structured output.
type Zap struct {
	logger *zap.SugaredLogger
}

// NewZap adapts logger. Debug events (splits, merges, reclaims) are only
// emitted when the logger's level enables them.
func NewZap(logger *zap.Logger) bwtree.Logger {
	return &Zap{logger: logger.Sugar()}
}

// Error reports failures such as storage errors and broken tree invariants.
func (z *Zap) Error(msg string, args ...any) {
	z.logger.Errorw(msg, args...)
}

// Warn reports waits on structure modifications that were given up.
func (z *Zap) Warn(msg string, args ...any) {
	z.logger.Warnw(msg, args...)
}

func (z *Zap) Info(msg string, args ...any) {
	z.logger.Infow(msg, args...)
}

func (z *Zap) Debug(msg string, args ...any) {
	z.logger.Debugw(msg, args...)
}
