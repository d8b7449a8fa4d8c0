// Package ratelimit bounds how fast callers may poll the broker.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// Budgets are tracked in fixed-point nano-tokens (1 token = 1e9) so the
// refill math stays exact on the integer clock: a rate of N tokens/sec adds
// exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

const maxTokens = int64(^uint64(0)>>1) / nanoPerToken

// PollLimiter enforces a per-caller request budget for the broker's polling
// endpoints. Each caller key (client id, or remote address when the caller is
// anonymous) gets its own budget that starts at the full burst capacity and
// refills at the configured rate.
//
// Budgets are kept in an LRU bounded by maxKeys so an attacker cycling
// through caller keys cannot grow memory without bound. Evicting a budget
// resets that caller's allowance, which is acceptable: the limiter bounds
// store load, it is not an accounting system.
type PollLimiter struct {
	clock        Clock
	capacityNano int64
	rate         int64 // tokens/sec
	maxKeys      int

	mu      sync.Mutex
	budgets map[string]*pollBudget
	lru     *list.List // front = most recently used; values are string keys
}

// pollBudget is one caller's remaining allowance. All access happens under
// the limiter's mutex.
type pollBudget struct {
	level int64 // nano-tokens
	last  time.Time
	elem  *list.Element
}

const defaultMaxPollKeys = 4096

func NewPollLimiter(clock Clock, capacity, ratePerSecond int64, maxKeys int) *PollLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if capacity > maxTokens {
		capacity = maxTokens
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxPollKeys
	}
	return &PollLimiter{
		clock:        clock,
		capacityNano: capacity * nanoPerToken,
		rate:         ratePerSecond,
		maxKeys:      maxKeys,
		budgets:      make(map[string]*pollBudget),
		lru:          list.New(),
	}
}

// Allow reports whether one poll request from key is within budget.
//
// A zero or negative configured rate disables limiting entirely.
func (l *PollLimiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.budget(key, now)
	l.refill(b, now)
	if b.level < nanoPerToken {
		return false
	}
	b.level -= nanoPerToken
	return true
}

// budget returns the caller's entry, creating it full and evicting the least
// recently used keys when over the cap.
func (l *PollLimiter) budget(key string, now time.Time) *pollBudget {
	if b, ok := l.budgets[key]; ok {
		l.lru.MoveToFront(b.elem)
		return b
	}

	b := &pollBudget{level: l.capacityNano, last: now}
	b.elem = l.lru.PushFront(key)
	l.budgets[key] = b

	for len(l.budgets) > l.maxKeys {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		l.lru.Remove(oldest)
		delete(l.budgets, oldest.Value.(string))
	}
	return b
}

func (l *PollLimiter) refill(b *pollBudget, now time.Time) {
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.level >= l.capacityNano {
		return
	}

	// Clamp instead of overflowing elapsed*rate when the budget sat idle for
	// a long stretch.
	if elapsed >= (l.capacityNano-b.level)/l.rate {
		b.level = l.capacityNano
		return
	}
	b.level += elapsed * l.rate
}
