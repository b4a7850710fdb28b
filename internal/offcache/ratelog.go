package offcache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateLimitedLogger prints at most one line per interval and counts what it
// swallowed in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
	level      log.Level
}

func newRateLimitedLogger(interval time.Duration, level log.Level) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, level: level}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	entry := log.NewEntry(log.StandardLogger())
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Logf(l.level, format, args...)
}
