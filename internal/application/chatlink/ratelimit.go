package chatlink

import (
	"time"

	"golang.org/x/time/rate"
)

type identityLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// replyLimiter caps how many replies a single chat identity can trigger.
// It is only used from the poll goroutine and needs no locking.
type replyLimiter struct {
	limiters map[string]*identityLimiter
	r        rate.Limit
	burst    int
	idle     time.Duration
	swept    time.Time
}

func newReplyLimiter(r rate.Limit, burst int, idle time.Duration) *replyLimiter {
	return &replyLimiter{
		limiters: make(map[string]*identityLimiter),
		r:        r,
		burst:    burst,
		idle:     idle,
	}
}

func (rl *replyLimiter) allow(identity string, now time.Time) bool {
	if rl.r == rate.Inf {
		return true
	}
	rl.sweep(now)
	v, ok := rl.limiters[identity]
	if !ok {
		v = &identityLimiter{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[identity] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweep drops identities that have been quiet for longer than idle.
func (rl *replyLimiter) sweep(now time.Time) {
	if now.Sub(rl.swept) < rl.idle {
		return
	}
	rl.swept = now
	for id, v := range rl.limiters {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.limiters, id)
		}
	}
}
