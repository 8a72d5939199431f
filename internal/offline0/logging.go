package offline0

import (
	"log"
	"sync"
	"time"
)

// diagLogger prints only when diagnostics are enabled. It never affects behaviour.
type diagLogger bool

func (d diagLogger) Printf(format string, args ...any) {
	if d {
		log.Printf("diag: "+format, args...)
	}
}

// rateLimitedLogger drops lines that arrive within interval of the last one
// and reports how many were dropped with the next line it prints.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	if l.dropped > 0 {
		format += " (%d similar suppressed)"
		args = append(args, l.dropped)
		l.dropped = 0
	}
	log.Printf(format, args...)
}
