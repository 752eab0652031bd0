// Package logging builds the structured logger shared by every component,
// constructed once in cmd/sfingest and passed down explicitly rather than
// held in a package-level global.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// JSON selects structured JSON output; false uses zap's console
	// encoder, useful when running sfingest interactively.
	JSON bool
}

// New builds the base zap.Logger for the process.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	if !cfg.JSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// RateLimited wraps a logger so that a given message key is only actually
// emitted once per window; repeats within the window are dropped, so a
// single misbehaving upstream (repeated blob upload failures, repeated
// notification failures) cannot flood the log at batch rate.
type RateLimited struct {
	logger *zap.Logger
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimited wraps logger with a per-key emission window.
func NewRateLimited(logger *zap.Logger, window time.Duration) *RateLimited {
	return &RateLimited{logger: logger, window: window, last: make(map[string]time.Time)}
}

// Warn emits a Warn-level log for key at most once per window.
func (r *RateLimited) Warn(key, msg string, fields ...zap.Field) {
	if r.allow(key) {
		r.logger.Warn(msg, fields...)
	}
}

// Error emits an Error-level log for key at most once per window.
func (r *RateLimited) Error(key, msg string, fields ...zap.Field) {
	if r.allow(key) {
		r.logger.Error(msg, fields...)
	}
}

func (r *RateLimited) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.last[key] = now
	return true
}
