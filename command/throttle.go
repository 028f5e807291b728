package command

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdle = 10 * time.Minute

// Throttle limits how often one sender can make the bot answer.
type Throttle struct {
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*limiter
}

type limiter struct {
	*rate.Limiter
	seen time.Time
}

func NewThrottle(every time.Duration, burst int) *Throttle {
	return &Throttle{every: every, burst: burst, limiters: make(map[string]*limiter)}
}

func (t *Throttle) Allow(senderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	l, ok := t.limiters[senderID]
	if !ok {
		if len(t.limiters) >= 1024 {
			t.pruneLocked(now)
		}
		l = &limiter{Limiter: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.limiters[senderID] = l
	}
	l.seen = now
	return l.AllowN(now, 1)
}

func (t *Throttle) pruneLocked(now time.Time) {
	for id, l := range t.limiters {
		if now.Sub(l.seen) > throttleIdle {
			delete(t.limiters, id)
		}
	}
}
