package http

import (
	"sync"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
)

// CommandLimiter caps call commands per conversation within a sliding window.
type CommandLimiter struct {
	mu       sync.Mutex
	sched    core.Scheduler
	history  map[domain.ConversationID][]time.Time
	limit    int
	interval time.Duration
}

func NewCommandLimiter(sched core.Scheduler, limit int, interval time.Duration) *CommandLimiter {
	return &CommandLimiter{
		sched:    sched,
		history:  make(map[domain.ConversationID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt for conv and reports whether it fits the window.
// A non-positive limit disables limiting.
func (rl *CommandLimiter) Allow(conv domain.ConversationID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.sched.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[conv]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[conv] = fresh
		return false
	}
	rl.history[conv] = append(fresh, now)
	return true
}
