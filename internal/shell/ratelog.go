package shell

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger drops messages logged less than interval after the
// previous one and reports how many were dropped on the next emitted line.
type rateLimitedLogger struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(logger *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	n := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if n > 0 {
		fields = append(fields, zap.Int("suppressed", n))
	}
	l.logger.Warn(msg, fields...)
}
