package slogutil

import (
	"log/slog"
	"sync/atomic"
)

type DynamicLeveler struct {
	level atomic.Value
}

// NewDynamicLeveler returns a DynamicLeveler initialized to initial,
// so Level never observes the unset atomic.Value before the first
// SetLevel call.
func NewDynamicLeveler(initial slog.Level) *DynamicLeveler {
	dl := &DynamicLeveler{}
	dl.level.Store(initial)
	return dl
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	return dl.level.Load().(slog.Level)
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(level)
}
