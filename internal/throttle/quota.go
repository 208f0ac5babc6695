package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// quota is one dimension's per-key token-bucket budget: burst equal to
// threshold, refilling continuously at threshold/window per second, so
// that a key which hasn't been seen for a full window starts with a
// full bucket again (spec.md §4.6 "Algorithm").
type quota struct {
	threshold int
	limit     rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newQuota(threshold int, window time.Duration) *quota {
	return &quota{
		threshold: threshold,
		limit:     rate.Limit(float64(threshold) / window.Seconds()),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// checkKeyN atomically consumes n tokens from key's bucket, creating
// the bucket (full) on first use. Returns false if the bucket doesn't
// hold n tokens right now.
func (q *quota) checkKeyN(key string, n int) bool {
	q.mu.Lock()
	l, ok := q.limiters[key]
	if !ok {
		l = rate.NewLimiter(q.limit, q.threshold)
		q.limiters[key] = l
	}
	q.mu.Unlock()

	return l.AllowN(time.Now(), n)
}

// utilisation reports key's current consumed/threshold ratio for
// diagnostics (Config.DetailedMetrics). A key never seen reports 0.
func (q *quota) utilisation(key string) float64 {
	q.mu.Lock()
	l, ok := q.limiters[key]
	q.mu.Unlock()
	if !ok || q.threshold == 0 {
		return 0
	}
	remaining := l.Tokens()
	used := float64(q.threshold) - remaining
	if used < 0 {
		used = 0
	}
	return used / float64(q.threshold)
}
