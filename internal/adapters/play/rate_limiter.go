package play

import (
	"sync"
	"time"

	"github.com/pasturegame/pasture/internal/domain"
)

type window struct {
	start time.Time
	count int
}

// CommandRateLimiter caps commands per player with a fixed counting window.
type CommandRateLimiter struct {
	mu       sync.Mutex
	windows  map[domain.PlayerID]*window
	limit    int
	interval time.Duration
}

func NewCommandRateLimiter(limit int, interval time.Duration) *CommandRateLimiter {
	return &CommandRateLimiter{
		windows:  make(map[domain.PlayerID]*window),
		limit:    limit,
		interval: interval,
	}
}

func (rl *CommandRateLimiter) Allow(id domain.PlayerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w := rl.windows[id]
	if w == nil || now.Sub(w.start) >= rl.interval {
		rl.windows[id] = &window{start: now, count: 1}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops a player's window when their connection closes.
func (rl *CommandRateLimiter) Forget(id domain.PlayerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, id)
}
